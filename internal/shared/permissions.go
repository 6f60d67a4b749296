package shared

// Permissions checked by the JSON API.
const (
	PermMaterialsView = "materials.view"
	PermMaterialsEdit = "materials.edit"

	PermFormulationsView = "formulations.view"
	PermFormulationsEdit = "formulations.edit"

	PermResearchView   = "research.view"
	PermResearchSubmit = "research.submit"
	PermResearchReview = "research.review"

	PermProductionView    = "production.view"
	PermProductionConfirm = "production.confirm"

	PermPackagingView = "packaging.view"
	PermPackagingEdit = "packaging.edit"

	PermSalesView = "sales.view"
	PermSalesEdit = "sales.edit"

	PermDashboardView = "dashboard.view"
)

// AllScopes lists every permission, used when seeding roles.
func AllScopes() []string {
	return []string{
		PermMaterialsView,
		PermMaterialsEdit,
		PermFormulationsView,
		PermFormulationsEdit,
		PermResearchView,
		PermResearchSubmit,
		PermResearchReview,
		PermProductionView,
		PermProductionConfirm,
		PermPackagingView,
		PermPackagingEdit,
		PermSalesView,
		PermSalesEdit,
		PermDashboardView,
	}
}

// ResearcherScopes is the default grant for researchers.
func ResearcherScopes() []string {
	return []string{
		PermMaterialsView,
		PermFormulationsView,
		PermResearchView,
		PermResearchSubmit,
	}
}
