package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	flashCookie = "expense_reports_notice"
	flashMaxAge = 60
)

// setFlash stores a notice to be shown on the next page rendered for this client
func setFlash(c *gin.Context, notice string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(flashCookie, notice, flashMaxAge, "/", "", false, true)
}

// takeFlash returns the pending notice, if any, and clears it
func takeFlash(c *gin.Context) string {
	notice, err := c.Cookie(flashCookie)
	if err != nil || notice == "" {
		return ""
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(flashCookie, "", -1, "/", "", false, true)
	return notice
}
