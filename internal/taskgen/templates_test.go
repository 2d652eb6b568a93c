package taskgen

import (
	"errors"
	"testing"

	"lawflow_backend/platform/apperr"
)

func TestParseRoleClosedSet(t *testing.T) {
	cases := []struct {
		expr string
		kind RoleKind
	}{
		{"ATTORNEY", RoleAttorney},
		{"attorney", RoleAttorney},
		{" CSC ", RoleCSC},
		{"Paralegal", RoleParalegal},
		{"FUNDING_COOR", RoleFundingCoor},
		{"FUND_TABLE", RoleFundTable},
		{"FUND TABLE", RoleFundTable},
		{"VA", RoleVA},
	}
	for _, tc := range cases {
		role, err := ParseRole(tc.expr)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.expr, err)
		}
		if role.Kind != tc.kind {
			t.Fatalf("ParseRole(%q) = kind %d, want %d", tc.expr, role.Kind, tc.kind)
		}
	}
}

func TestParseRoleNumericLiteral(t *testing.T) {
	role, err := ParseRole("348291")
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if role.Kind != RoleLiteral || role.LiteralID != 348291 {
		t.Fatalf("got kind=%d id=%d, want literal 348291", role.Kind, role.LiteralID)
	}
}

func TestParseRoleRejectsUnknown(t *testing.T) {
	_, err := ParseRole("INTAKE_TEAM")
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	var aerr *AssigneeError
	if !errors.As(err, &aerr) || aerr.Code != CodeInvalidAssigneeType {
		t.Fatalf("expected invalid_assignee_type, got %v", err)
	}
}

func TestParseAnchorUnitsAndRelations(t *testing.T) {
	a, err := ParseAnchor(3, "days", "after creation")
	if err != nil {
		t.Fatalf("ParseAnchor: %v", err)
	}
	if a.Unit != UnitDays || a.Relation != RelationAfter || a.Offset != 3 {
		t.Fatalf("unexpected anchor %+v", a)
	}

	a, err = ParseAnchor(2, "hours", "before meeting")
	if err != nil {
		t.Fatalf("ParseAnchor: %v", err)
	}
	if a.Unit != UnitHours || a.Relation != RelationBefore || !a.MeetingRelative {
		t.Fatalf("unexpected anchor %+v", a)
	}

	a, err = ParseAnchor(0, "", "now")
	if err != nil {
		t.Fatalf("ParseAnchor: %v", err)
	}
	if a.Relation != RelationNow {
		t.Fatalf("unexpected anchor %+v", a)
	}
}

func TestParseAnchorTaskDependency(t *testing.T) {
	a, err := ParseAnchor(1, "days", "after Task 3")
	if err != nil {
		t.Fatalf("ParseAnchor: %v", err)
	}
	if a.DependsOnTask == nil || *a.DependsOnTask != 3 {
		t.Fatalf("expected dependency on task 3, got %+v", a.DependsOnTask)
	}
}

func TestParseAnchorRejectsNegativeOffset(t *testing.T) {
	_, err := ParseAnchor(-1, "days", "after creation")
	if err == nil {
		t.Fatal("expected error for negative offset")
	}
	if apperr.GetCode(err) != apperr.CodeTemplate {
		t.Fatalf("expected template code, got %v", err)
	}
}

func TestParseTemplatesValidatesSet(t *testing.T) {
	base := func() []TaskTemplate {
		return []TaskTemplate{
			{Seq: 1, Title: "Call client", RoleExpr: "CSC", OffsetUnit: "days", RelationExpr: "after creation"},
			{Seq: 2, Title: "Prepare file", RoleExpr: "PARALEGAL", OffsetValue: 2, OffsetUnit: "days", RelationExpr: "after creation"},
		}
	}

	if _, err := ParseTemplates(base()); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}

	dup := base()
	dup[1].Seq = 1
	if _, err := ParseTemplates(dup); err == nil {
		t.Fatal("expected duplicate sequence error")
	}

	noTitle := base()
	noTitle[0].Title = "  "
	if _, err := ParseTemplates(noTitle); err == nil {
		t.Fatal("expected missing title error")
	}

	noSeq := base()
	noSeq[0].Seq = 0
	if _, err := ParseTemplates(noSeq); err == nil {
		t.Fatal("expected missing sequence error")
	}
}

func TestParseTemplatesParsesInPlace(t *testing.T) {
	templates, err := ParseTemplates([]TaskTemplate{
		{Seq: 1, Title: "Schedule signing", RoleExpr: "ATTORNEY", OffsetValue: 2, OffsetUnit: "hours", RelationExpr: "before meeting"},
	})
	if err != nil {
		t.Fatalf("ParseTemplates: %v", err)
	}
	tpl := templates[0]
	if tpl.Role.Kind != RoleAttorney {
		t.Fatalf("role not parsed: %+v", tpl.Role)
	}
	if !tpl.Anchor.MeetingRelative || tpl.Anchor.Relation != RelationBefore {
		t.Fatalf("anchor not parsed: %+v", tpl.Anchor)
	}
}
