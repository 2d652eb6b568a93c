// Package taskgen implements template-driven task generation: assignee
// resolution, due-date computation, the create/update/link scenarios,
// stage-rollback handling, and the post-generation verification pass.
package taskgen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"lawflow_backend/platform/apperr"
)

// TaskTemplate is read-only reference data describing one recurring task
// to generate for a stage or meeting type. The raw role and anchor
// expressions are parsed exactly once, at load time.
type TaskTemplate struct {
	ID          int64
	StageID     *int64
	EventTypeID *int64
	Seq         int
	Title       string
	Description string

	RoleExpr     string
	OffsetValue  int
	OffsetUnit   string
	RelationExpr string

	Role   Role
	Anchor Anchor
}

// RoleKind is the closed set of assignee role types a template may name.
type RoleKind int

const (
	RoleAttorney RoleKind = iota
	RoleCSC
	RoleParalegal
	RoleFundingCoor
	RoleFundTable
	RoleVA
	RoleLiteral
)

// Role is a parsed assignee-role expression.
type Role struct {
	Kind RoleKind
	// LiteralID is set only for RoleLiteral.
	LiteralID int64
}

// ParseRole parses a template's assignee-role expression into the closed
// role set. Unknown expressions fail with an invalid-assignee-type error
// naming the allowed set.
func ParseRole(expr string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(expr)) {
	case "ATTORNEY":
		return Role{Kind: RoleAttorney}, nil
	case "CSC":
		return Role{Kind: RoleCSC}, nil
	case "PARALEGAL":
		return Role{Kind: RoleParalegal}, nil
	case "FUNDING_COOR":
		return Role{Kind: RoleFundingCoor}, nil
	case "FUND_TABLE", "FUND TABLE":
		return Role{Kind: RoleFundTable}, nil
	case "VA":
		return Role{Kind: RoleVA}, nil
	}

	if id, err := strconv.ParseInt(strings.TrimSpace(expr), 10, 64); err == nil {
		return Role{Kind: RoleLiteral, LiteralID: id}, nil
	}

	return Role{}, &AssigneeError{
		Code:    CodeInvalidAssigneeType,
		Message: fmt.Sprintf("invalid assignee type %q: must be ATTORNEY, CSC, PARALEGAL, FUNDING_COOR, FUND_TABLE, VA, or a numeric user id", expr),
	}
}

// Relation is the direction of a due-date offset.
type Relation int

const (
	RelationAfter Relation = iota
	RelationBefore
	RelationNow
)

// OffsetUnit is the unit of a due-date offset.
type OffsetUnit int

const (
	UnitDays OffsetUnit = iota
	UnitHours
	UnitMinutes
)

// Anchor is a parsed due-date anchor expression: a non-negative offset,
// its unit, the before/after/now relation, and optional cross-task or
// meeting references.
type Anchor struct {
	Offset   int
	Unit     OffsetUnit
	Relation Relation

	// DependsOnTask is the template sequence number of the task this
	// one's due date waits on ("after task 3").
	DependsOnTask *int
	// MeetingRelative is true when the relation references the meeting
	// time rather than the creation time.
	MeetingRelative bool
}

var taskDependencyRe = regexp.MustCompile(`(?i)task\s+(\d+)`)

// ParseAnchor parses a template's offset/unit/relation expression.
func ParseAnchor(offsetValue int, unit, relation string) (Anchor, error) {
	if offsetValue < 0 {
		return Anchor{}, apperr.New(apperr.KindValidation, fmt.Sprintf("offset must be non-negative, got %d", offsetValue)).WithCode(apperr.CodeTemplate)
	}

	a := Anchor{Offset: offsetValue}

	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "day", "days", "":
		a.Unit = UnitDays
	case "hour", "hours":
		a.Unit = UnitHours
	case "minute", "minutes":
		a.Unit = UnitMinutes
	default:
		return Anchor{}, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown offset unit %q", unit)).WithCode(apperr.CodeTemplate)
	}

	rel := strings.ToLower(relation)
	switch {
	case strings.Contains(rel, "now"):
		a.Relation = RelationNow
	case strings.Contains(rel, "before"):
		a.Relation = RelationBefore
	default:
		a.Relation = RelationAfter
	}

	if m := taskDependencyRe.FindStringSubmatch(relation); m != nil {
		n, _ := strconv.Atoi(m[1])
		a.DependsOnTask = &n
	}
	if strings.Contains(rel, "meeting") {
		a.MeetingRelative = true
	}

	return a, nil
}

// ParseTemplates parses the role and anchor expressions of each template
// in place and validates the set: no duplicate sequence numbers, no
// missing titles or numbers. A bad set blocks generation for its stage.
func ParseTemplates(templates []TaskTemplate) ([]TaskTemplate, error) {
	seen := make(map[int]bool, len(templates))
	for i := range templates {
		t := &templates[i]
		if t.Seq <= 0 {
			return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("template %q has no sequence number", t.Title)).WithCode(apperr.CodeTemplate)
		}
		if strings.TrimSpace(t.Title) == "" {
			return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("template %d has no title", t.Seq)).WithCode(apperr.CodeTemplate)
		}
		if seen[t.Seq] {
			return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("duplicate template sequence number %d", t.Seq)).WithCode(apperr.CodeTemplate)
		}
		seen[t.Seq] = true

		role, err := ParseRole(t.RoleExpr)
		if err != nil {
			return nil, err
		}
		anchor, err := ParseAnchor(t.OffsetValue, t.OffsetUnit, t.RelationExpr)
		if err != nil {
			return nil, err
		}
		t.Role = role
		t.Anchor = anchor
	}
	return templates, nil
}
