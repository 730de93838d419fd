// Package usage aggregates per-column, per-clause usage counts mined from query logs.
package usage

import "fmt"

// Role is the syntactic position a column is referenced in.
type Role string

const (
	RoleSelect  Role = "select"
	RoleWhere   Role = "where"
	RoleJoin    Role = "join"
	RoleGroupBy Role = "group_by"
	RoleOrderBy Role = "order_by"
)

// Roles lists every clause role in canonical order.
var Roles = []Role{RoleSelect, RoleWhere, RoleJoin, RoleGroupBy, RoleOrderBy}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown clause role: %q", s)
}

// Record holds the columns one query referenced, per clause role.
// A column listed twice in a role was referenced twice. A missing role
// key is the same as an empty list.
type Record map[Role][]string

// Add appends column references for role.
func (r Record) Add(role Role, columns ...string) {
	r[role] = append(r[role], columns...)
}

// Merge appends every reference of other into r.
func (r Record) Merge(other Record) {
	for role, cols := range other {
		r[role] = append(r[role], cols...)
	}
}

// Empty reports whether the record references no columns at all.
func (r Record) Empty() bool {
	for _, cols := range r {
		if len(cols) > 0 {
			return false
		}
	}
	return true
}

// Counts holds the usage counters of a single column.
type Counts struct {
	Select  int64 `json:"select"`
	Where   int64 `json:"where"`
	Join    int64 `json:"join"`
	GroupBy int64 `json:"group_by"`
	OrderBy int64 `json:"order_by"`
}

// FilterUsage is the usage that can drive partition pruning or join
// co-location. Select references are excluded.
func (c Counts) FilterUsage() int64 {
	return c.Where + c.Join + c.GroupBy + c.OrderBy
}

// Total is the sum over all roles, select included.
func (c Counts) Total() int64 {
	return c.Select + c.FilterUsage()
}

// Get returns the counter for role.
func (c Counts) Get(role Role) int64 {
	switch role {
	case RoleSelect:
		return c.Select
	case RoleWhere:
		return c.Where
	case RoleJoin:
		return c.Join
	case RoleGroupBy:
		return c.GroupBy
	case RoleOrderBy:
		return c.OrderBy
	default:
		return 0
	}
}

// incr bumps the counter for role. Unknown roles are ignored.
func (c *Counts) incr(role Role) bool {
	switch role {
	case RoleSelect:
		c.Select++
	case RoleWhere:
		c.Where++
	case RoleJoin:
		c.Join++
	case RoleGroupBy:
		c.GroupBy++
	case RoleOrderBy:
		c.OrderBy++
	default:
		return false
	}
	return true
}
