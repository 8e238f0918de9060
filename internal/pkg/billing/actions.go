package billing

// Actions billed through the quota gate. The two recipe actions are
// quota-bearing: they count toward the daily cap for paid plans.
const (
	ActionGenerateRecipe       = "generate_recipe"
	ActionRecognizeIngredients = "recognize_ingredients"
	ActionSubscriptionStart    = "subscription_start"
	ActionGenericUsage         = "generic_usage"
)

// Legacy type names written by older app builds, still counted in stats.
const (
	legacyRecipeGeneration      = "recipe_generation"
	legacyIngredientRecognition = "ingredient_recognition"
)

var quotaBearingActions = []string{
	ActionGenerateRecipe,
	ActionRecognizeIngredients,
}

var generationTypes = []string{ActionGenerateRecipe, legacyRecipeGeneration}
var recognitionTypes = []string{ActionRecognizeIngredients, legacyIngredientRecognition}
