package usercontext

import "github.com/gofiber/fiber/v2"

// Shared Locals keys used across controllers and middlewares
const (
	ContextKey   = "USER_CONTEXT"
	KeyUserID    = "user_id"
	KeyIsService = "is_service"
)

// UserContext identifies the caller of a request. UserID is the main
// app's account id carried in the bearer token; service callers have no
// user identity.
type UserContext struct {
	UserID     string `json:"user_id"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsService  bool   `json:"is_service"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(ContextKey); ctx != nil {
		if uc, ok := ctx.(UserContext); ok {
			return uc
		}
	}
	return UserContext{}
}

// SetUserContext stores the caller identity for downstream handlers.
func SetUserContext(c *fiber.Ctx, uc UserContext) {
	c.Locals(ContextKey, uc)
	c.Locals(KeyUserID, uc.UserID)
	c.Locals(KeyIsService, uc.IsService)
}
