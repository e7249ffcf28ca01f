package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	successPage = `<html><body><h1>Authorization complete</h1><p>You can close this tab and return to the bot.</p></body></html>`
	failurePage = `<html><body><h1>Authorization failed</h1><p>Check the bot logs for details.</p></body></html>`

	listenerShutdownTimeout = 2 * time.Second
)

// Opener launches the user's browser at the given URL.
type Opener func(rawURL string) error

// SystemOpener returns an Opener using the platform's URL handler, or the
// given browser binary when browserPath is non-empty.
func SystemOpener(browserPath string) Opener {
	return func(rawURL string) error {
		if browserPath != "" {
			return exec.Command(browserPath, rawURL).Start()
		}
		switch runtime.GOOS {
		case "darwin":
			return exec.Command("open", rawURL).Start()
		case "windows":
			return exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL).Start()
		default:
			return exec.Command("xdg-open", rawURL).Start()
		}
	}
}

// BuildAuthorizeURL assembles the authorization URL the user is sent to.
func BuildAuthorizeURL(authorizeURL, clientID, redirectURI string, scopes []string, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", JoinScopes(scopes))
	q.Set("state", state)
	return authorizeURL + "?" + q.Encode()
}

type authCodeResult struct {
	code string
	err  error
}

// AwaitAuthorizationCode binds a one-shot listener on the given port and
// blocks until a single redirect carrying an authorization code (or an
// error) arrives, or ctx expires. The state parameter must round-trip
// unchanged or the redirect is rejected.
func AwaitAuthorizationCode(ctx context.Context, port int, state string) (string, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	resultCh := make(chan authCodeResult, 1)
	var once sync.Once
	deliver := func(res authCodeResult) {
		once.Do(func() { resultCh <- res })
	}

	e.GET("/", func(c echo.Context) error {
		if errParam := c.QueryParam("error"); errParam != "" {
			deliver(authCodeResult{err: fmt.Errorf("authorization denied: %s (%s)", errParam, c.QueryParam("error_description"))})
			return c.HTML(http.StatusOK, failurePage)
		}
		if c.QueryParam("state") != state {
			deliver(authCodeResult{err: errors.New("state parameter does not match original state")})
			return c.HTML(http.StatusBadRequest, failurePage)
		}
		code := c.QueryParam("code")
		if code == "" {
			deliver(authCodeResult{err: errors.New("redirect carried no authorization code")})
			return c.HTML(http.StatusBadRequest, failurePage)
		}
		deliver(authCodeResult{code: code})
		return c.HTML(http.StatusOK, successPage)
	})

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(authCodeResult{err: fmt.Errorf("redirect listener failed on port %d: %w", port, err)})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), listenerShutdownTimeout)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	select {
	case res := <-resultCh:
		return res.code, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("timed out waiting for authorization redirect: %w", ctx.Err())
	}
}
