package shared

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorChecks(t *testing.T) {
	admin := Actor{ID: 1, Status: ActorActive, Roles: []string{"Admin"}}
	require.True(t, admin.IsAdmin())
	require.True(t, admin.Can(PermResearchReview))
	require.NoError(t, admin.Require())

	researcher := Actor{ID: 2, Status: ActorActive, Roles: []string{RoleResearcher}, Permissions: ResearcherScopes()}
	require.False(t, researcher.IsAdmin())
	require.True(t, researcher.Can(" Research.Submit "))
	require.False(t, researcher.Can(PermResearchReview))

	disabled := Actor{ID: 3, Status: ActorInactive}
	require.False(t, disabled.Active())
	require.ErrorIs(t, disabled.Require(), ErrInactiveActor)
	require.ErrorIs(t, Actor{}.Require(), ErrUnauthenticated)
}

func TestActorContextRoundTrip(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	ctx := ContextWithActor(context.Background(), Actor{ID: 9, Status: ActorActive})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, int64(9), actor.ID)
}

func TestApprovalRefStable(t *testing.T) {
	require.Equal(t, ApprovalRef(ApprovalModuleResearch, 4), ApprovalRef(ApprovalModuleResearch, 4))
	require.NotEqual(t, ApprovalRef(ApprovalModuleResearch, 4), ApprovalRef(ApprovalModuleResearch, 5))

	log := ApprovalLog{Module: ApprovalModuleResearch, RefID: ApprovalRef(ApprovalModuleResearch, 4), ActorID: 1, Action: ApprovalApprove}
	require.NoError(t, log.Validate())
	log.Action = "MAYBE"
	require.Error(t, log.Validate())
}

func TestPagination(t *testing.T) {
	p := NewPagination(0, 0, 45)
	require.Equal(t, Pagination{Page: 1, PerPage: 20, Total: 45, TotalPages: 3}, p)

	req := PageFromQuery(url.Values{"page": {"3"}, "per_page": {"1000"}})
	require.Equal(t, 200, req.Limit())
	require.Equal(t, 400, req.Offset())

	req = PageFromQuery(url.Values{"page": {"x"}})
	require.Equal(t, 0, req.Offset())
}

func TestDisplayNameAndKey(t *testing.T) {
	require.Equal(t, "Red Chili Powder", DisplayName("  red   chili powder "))
	require.Equal(t, "Garam MASALA", DisplayName("garam MASALA"))
	require.Equal(t, NameKey("Garam Masala"), NameKey(" garam  MASALA"))
	require.NotEqual(t, NameKey("Garam Masala"), NameKey("Chaat Masala"))
}
