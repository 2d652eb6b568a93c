package taskgen

import (
	"context"
	"errors"
	"testing"

	"lawflow_backend/internal/clio"
)

type fakeRefData struct {
	keywords    []LocationKeyword
	keywordsErr error
	paralegals  map[int64]Assignee
	fundTables  map[int64]Assignee
}

func (f *fakeRefData) LocationKeywords(ctx context.Context) ([]LocationKeyword, error) {
	return f.keywords, f.keywordsErr
}

func (f *fakeRefData) ParalegalForAttorney(ctx context.Context, attorneyID int64) (*Assignee, error) {
	if a, ok := f.paralegals[attorneyID]; ok {
		return &a, nil
	}
	return nil, nil
}

func (f *fakeRefData) FundTableForAttorney(ctx context.Context, attorneyID int64) (*Assignee, error) {
	if a, ok := f.fundTables[attorneyID]; ok {
		return &a, nil
	}
	return nil, nil
}

func testMatter() *clio.Matter {
	return &clio.Matter{
		ID:                  900,
		Location:            "Dallas Office",
		ResponsibleAttorney: &clio.Attorney{ID: 11, Name: "R. Vasquez"},
		OriginatingAttorney: &clio.Attorney{ID: 12, Name: "O. Chen"},
	}
}

func testResolver() *Resolver {
	return NewResolver(&fakeRefData{
		keywords: []LocationKeyword{
			{Word: "Dallas", UserID: 101, UserName: "Dallas CSC"},
			{Word: "Houston", UserID: 102, UserName: "Houston CSC"},
		},
		paralegals: map[int64]Assignee{11: {ID: 201, Name: "P. Ortiz"}},
		fundTables: map[int64]Assignee{11: {ID: 301, Name: "Fund Desk"}},
	}, 777, "Virtual Assistant")
}

func assertAssigneeCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	var aerr *AssigneeError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AssigneeError, got %v", err)
	}
	if aerr.Code != code {
		t.Fatalf("code = %q, want %q", aerr.Code, code)
	}
}

func TestResolveAttorneyPrefersResponsible(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleAttorney}, testMatter(), ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 11 {
		t.Fatalf("got %d, want responsible attorney 11", a.ID)
	}
}

func TestResolveAttorneyFallsBackToOriginating(t *testing.T) {
	m := testMatter()
	m.ResponsibleAttorney = nil
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleAttorney}, m, ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 12 {
		t.Fatalf("got %d, want originating attorney 12", a.ID)
	}
}

func TestResolveAttorneyMissingBoth(t *testing.T) {
	m := testMatter()
	m.ResponsibleAttorney = nil
	m.OriginatingAttorney = nil
	_, err := testResolver().Resolve(context.Background(), Role{Kind: RoleAttorney}, m, ResolveOptions{})
	assertAssigneeCode(t, err, CodeMissingAttorney)
}

func TestResolveCSCMatchesMatterLocation(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleCSC}, testMatter(), ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 101 {
		t.Fatalf("got %d, want Dallas CSC 101", a.ID)
	}
}

func TestResolveCSCPrefersMeetingLocation(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleCSC}, testMatter(), ResolveOptions{
		MeetingLocation: "Houston signing room",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 102 {
		t.Fatalf("got %d, want Houston CSC 102", a.ID)
	}
}

func TestResolveCSCRequiredMeetingLocationMissing(t *testing.T) {
	_, err := testResolver().Resolve(context.Background(), Role{Kind: RoleCSC}, testMatter(), ResolveOptions{
		MeetingLocationRequired: true,
	})
	assertAssigneeCode(t, err, CodeMissingMeetingLocation)
}

func TestResolveCSCWholeWordMatchOnly(t *testing.T) {
	m := testMatter()
	m.Location = "Dallastown"
	_, err := testResolver().Resolve(context.Background(), Role{Kind: RoleCSC}, m, ResolveOptions{})
	assertAssigneeCode(t, err, CodeNoLocationMatch)
}

func TestResolveCSCNoKeywordsConfigured(t *testing.T) {
	r := NewResolver(&fakeRefData{}, 777, "Virtual Assistant")
	_, err := r.Resolve(context.Background(), Role{Kind: RoleCSC}, testMatter(), ResolveOptions{})
	assertAssigneeCode(t, err, CodeNoLocationKeywords)
}

func TestResolveParalegalViaAttorneyMapping(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleParalegal}, testMatter(), ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 201 || a.Type != "paralegal" {
		t.Fatalf("got %+v, want paralegal 201", a)
	}
}

func TestResolveParalegalUnmappedAttorney(t *testing.T) {
	m := testMatter()
	m.ResponsibleAttorney = &clio.Attorney{ID: 99, Name: "Unmapped"}
	m.OriginatingAttorney = nil
	_, err := testResolver().Resolve(context.Background(), Role{Kind: RoleParalegal}, m, ResolveOptions{})
	assertAssigneeCode(t, err, CodeMissingParalegal)
}

func TestResolveFundingCoorRequiresLiteralID(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleFundingCoor}, testMatter(), ResolveOptions{
		LookupOverride: "4455",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 4455 {
		t.Fatalf("got %d, want 4455", a.ID)
	}

	_, err = testResolver().Resolve(context.Background(), Role{Kind: RoleFundingCoor}, testMatter(), ResolveOptions{})
	assertAssigneeCode(t, err, CodeMissingFundingID)
}

func TestResolveFundTableViaAttorneyMapping(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleFundTable}, testMatter(), ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 301 {
		t.Fatalf("got %d, want fund desk 301", a.ID)
	}

	m := testMatter()
	m.ResponsibleAttorney = &clio.Attorney{ID: 99}
	m.OriginatingAttorney = nil
	_, err = testResolver().Resolve(context.Background(), Role{Kind: RoleFundTable}, m, ResolveOptions{})
	assertAssigneeCode(t, err, CodeMissingFundTable)
}

func TestResolveVAIsFixed(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleVA}, testMatter(), ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 777 || a.Name != "Virtual Assistant" {
		t.Fatalf("got %+v", a)
	}
}

func TestResolveLiteralPassthrough(t *testing.T) {
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleLiteral, LiteralID: 5150}, testMatter(), ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 5150 {
		t.Fatalf("got %d, want 5150", a.ID)
	}
}

func TestResolveLookupOverrideWinsOverRole(t *testing.T) {
	// Role says attorney; the override forces location resolution.
	a, err := testResolver().Resolve(context.Background(), Role{Kind: RoleAttorney}, testMatter(), ResolveOptions{
		LookupOverride: "location",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 101 {
		t.Fatalf("got %d, want Dallas CSC 101", a.ID)
	}

	a, err = testResolver().Resolve(context.Background(), Role{Kind: RoleCSC}, testMatter(), ResolveOptions{
		LookupOverride: "attorney",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != 11 {
		t.Fatalf("got %d, want attorney 11", a.ID)
	}
}
