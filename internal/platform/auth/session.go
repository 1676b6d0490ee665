package auth

import (
	"github.com/labstack/echo/v4"
)

const SessionHeader = "X-Session-ID"

// SessionFromContext identifies the desk session a request belongs to. The
// session always belongs to the authenticated user: each browser tab sends
// its own X-Session-ID, which is namespaced under the user id so equal tab
// ids from different users never meet. Without a header all of a user's
// requests share one session. Without a user there is no session and the
// result is "".
func SessionFromContext(c echo.Context) string {
	uid := UserIDFromContext(c.Request().Context())
	if uid == "" {
		return ""
	}
	if sid := c.Request().Header.Get(SessionHeader); sid != "" {
		return "user:" + uid + "/" + sid
	}
	return "user:" + uid
}
