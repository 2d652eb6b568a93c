package taskgen

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"lawflow_backend/internal/clio"
)

// Assignee error codes. Each unresolvable case fails with its own code
// so callers can distinguish them without string matching.
const (
	CodeInvalidAssigneeType    = "invalid_assignee_type"
	CodeMissingAttorney        = "missing_attorney"
	CodeMissingMeetingLocation = "missing_meeting_location"
	CodeNoLocationKeywords     = "no_location_keywords"
	CodeNoLocationMatch        = "no_location_match"
	CodeMissingParalegal       = "missing_paralegal"
	CodeMissingFundingID       = "missing_funding_id"
	CodeMissingFundTable       = "missing_fund_table"
)

// AssigneeError is a typed resolution failure. Resolution never returns
// a nil assignee without one of these.
type AssigneeError struct {
	Code    string
	Message string
	Context map[string]any
}

func (e *AssigneeError) Error() string {
	return fmt.Sprintf("assignee resolution failed (%s): %s", e.Code, e.Message)
}

// Assignee is a resolved concrete user.
type Assignee struct {
	ID   int64
	Name string
	Type string
}

// LocationKeyword maps a city keyword to its coordinator.
type LocationKeyword struct {
	Word     string
	UserID   int64
	UserName string
}

// RefData provides the database-maintained assignee reference tables.
type RefData interface {
	// LocationKeywords returns the configured city keyword list.
	LocationKeywords(ctx context.Context) ([]LocationKeyword, error)
	// ParalegalForAttorney returns the paralegal mapped to an attorney,
	// or nil when no mapping exists.
	ParalegalForAttorney(ctx context.Context, attorneyID int64) (*Assignee, error)
	// FundTableForAttorney returns the fund-table user mapped to an
	// attorney, or nil when no mapping exists.
	FundTableForAttorney(ctx context.Context, attorneyID int64) (*Assignee, error)
}

// ResolveOptions carries the per-call overrides.
type ResolveOptions struct {
	// MeetingLocation overrides the matter's own location for
	// location-based roles.
	MeetingLocation string
	// LookupOverride forces a resolution policy ("location" or
	// "attorney") or supplies the literal funding-coordinator id.
	LookupOverride string
	// MeetingLocationRequired forbids falling back to the matter's
	// location: signing meetings must carry an explicit location.
	MeetingLocationRequired bool
}

// Resolver maps a template's role to a concrete user given matter
// context.
type Resolver struct {
	ref    RefData
	vaID   int64
	vaName string
}

// NewResolver creates a resolver. va identifies the fixed virtual
// assistant user the VA role always resolves to.
func NewResolver(ref RefData, vaID int64, vaName string) *Resolver {
	return &Resolver{ref: ref, vaID: vaID, vaName: vaName}
}

// Resolve maps a role to a concrete user, in the documented priority
// order. Lookup overrides win over the template role.
func (r *Resolver) Resolve(ctx context.Context, role Role, m *clio.Matter, opts ResolveOptions) (Assignee, error) {
	switch strings.ToLower(strings.TrimSpace(opts.LookupOverride)) {
	case "location":
		return r.resolveByLocation(ctx, m, opts)
	case "attorney":
		return r.resolveAttorney(m)
	}

	switch role.Kind {
	case RoleAttorney:
		return r.resolveAttorney(m)
	case RoleCSC:
		return r.resolveByLocation(ctx, m, opts)
	case RoleParalegal:
		return r.resolveParalegal(ctx, m)
	case RoleFundingCoor:
		return r.resolveFundingCoor(m, opts)
	case RoleFundTable:
		return r.resolveFundTable(ctx, m)
	case RoleVA:
		return Assignee{ID: r.vaID, Name: r.vaName, Type: "va"}, nil
	case RoleLiteral:
		return Assignee{ID: role.LiteralID, Name: strconv.FormatInt(role.LiteralID, 10), Type: "literal"}, nil
	}

	return Assignee{}, &AssigneeError{
		Code:    CodeInvalidAssigneeType,
		Message: "invalid assignee type: must be ATTORNEY, CSC, PARALEGAL, FUNDING_COOR, FUND_TABLE, VA, or a numeric user id",
	}
}

// resolveAttorney uses the responsible attorney, falling back to the
// originating attorney.
func (r *Resolver) resolveAttorney(m *clio.Matter) (Assignee, error) {
	att := m.ResponsibleAttorney
	if att == nil {
		att = m.OriginatingAttorney
	}
	if att == nil {
		return Assignee{}, &AssigneeError{
			Code:    CodeMissingAttorney,
			Message: "matter has neither responsible nor originating attorney",
			Context: map[string]any{"matterId": m.ID},
		}
	}
	return Assignee{ID: att.ID, Name: att.Name, Type: "attorney"}, nil
}

// resolveByLocation matches a location keyword against the meeting
// location or, unless forbidden, the matter's own location.
func (r *Resolver) resolveByLocation(ctx context.Context, m *clio.Matter, opts ResolveOptions) (Assignee, error) {
	location := opts.MeetingLocation
	if location == "" {
		if opts.MeetingLocationRequired {
			return Assignee{}, &AssigneeError{
				Code:    CodeMissingMeetingLocation,
				Message: "meeting location required but not supplied; refusing to guess from matter location",
				Context: map[string]any{"matterId": m.ID},
			}
		}
		location = m.Location
	}

	keywords, err := r.ref.LocationKeywords(ctx)
	if err != nil {
		return Assignee{}, fmt.Errorf("load location keywords: %w", err)
	}
	if len(keywords) == 0 {
		return Assignee{}, &AssigneeError{
			Code:    CodeNoLocationKeywords,
			Message: "no location keywords configured",
		}
	}

	for _, kw := range keywords {
		if matchWholeWord(location, kw.Word) {
			return Assignee{ID: kw.UserID, Name: kw.UserName, Type: "csc"}, nil
		}
	}

	return Assignee{}, &AssigneeError{
		Code:    CodeNoLocationMatch,
		Message: fmt.Sprintf("no location keyword matches %q", location),
		Context: map[string]any{"matterId": m.ID, "location": location},
	}
}

func (r *Resolver) resolveParalegal(ctx context.Context, m *clio.Matter) (Assignee, error) {
	att, err := r.resolveAttorney(m)
	if err != nil {
		return Assignee{}, err
	}

	paralegal, err := r.ref.ParalegalForAttorney(ctx, att.ID)
	if err != nil {
		return Assignee{}, fmt.Errorf("load paralegal mapping: %w", err)
	}
	if paralegal == nil {
		return Assignee{}, &AssigneeError{
			Code:    CodeMissingParalegal,
			Message: fmt.Sprintf("no paralegal mapped to attorney %d", att.ID),
			Context: map[string]any{"matterId": m.ID, "attorneyId": att.ID},
		}
	}
	result := *paralegal
	result.Type = "paralegal"
	return result, nil
}

// resolveFundingCoor requires a literal numeric id via the override;
// the funding coordinator is never looked up by role.
func (r *Resolver) resolveFundingCoor(m *clio.Matter, opts ResolveOptions) (Assignee, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(opts.LookupOverride), 10, 64)
	if err != nil || id <= 0 {
		return Assignee{}, &AssigneeError{
			Code:    CodeMissingFundingID,
			Message: "funding coordinator requires a literal numeric user id via the lookup override",
			Context: map[string]any{"matterId": m.ID, "override": opts.LookupOverride},
		}
	}
	return Assignee{ID: id, Name: strconv.FormatInt(id, 10), Type: "funding_coor"}, nil
}

func (r *Resolver) resolveFundTable(ctx context.Context, m *clio.Matter) (Assignee, error) {
	att, err := r.resolveAttorney(m)
	if err != nil {
		return Assignee{}, err
	}

	user, err := r.ref.FundTableForAttorney(ctx, att.ID)
	if err != nil {
		return Assignee{}, fmt.Errorf("load fund table mapping: %w", err)
	}
	if user == nil {
		return Assignee{}, &AssigneeError{
			Code:    CodeMissingFundTable,
			Message: fmt.Sprintf("no fund table user mapped to attorney %d", att.ID),
			Context: map[string]any{"matterId": m.ID, "attorneyId": att.ID},
		}
	}
	result := *user
	result.Type = "fund_table"
	return result, nil
}

// matchWholeWord reports whether keyword occurs as a whole word,
// case-insensitively, in text.
func matchWholeWord(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}
