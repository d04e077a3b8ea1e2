// Package databricks wraps the workspace SDK: client construction, user
// identity lookup, and short-lived database credential generation.
package databricks

import (
	"context"
	"fmt"
	"net/http"

	sdk "github.com/databricks/databricks-sdk-go"
)

// UserInfo is the subset of the workspace user rendered by the app.
type UserInfo struct {
	UserID      string
	DisplayName string
	Active      bool
}

// NewWorkspaceClient builds an authenticated workspace client. When host is
// empty the SDK resolves it from the ambient environment (CLI profile or
// deployment-injected OAuth credentials).
func NewWorkspaceClient(host string) (*sdk.WorkspaceClient, error) {
	if host == "" {
		w, err := sdk.NewWorkspaceClient()
		if err != nil {
			return nil, fmt.Errorf("create workspace client: %w", err)
		}
		return w, nil
	}

	w, err := sdk.NewWorkspaceClient(&sdk.Config{Host: host})
	if err != nil {
		return nil, fmt.Errorf("create workspace client for %s: %w", host, err)
	}
	return w, nil
}

// GetUserInfo resolves the current workspace user.
func GetUserInfo(ctx context.Context, w *sdk.WorkspaceClient) (UserInfo, error) {
	me, err := w.CurrentUser.Me(ctx)
	if err != nil {
		return UserInfo{}, fmt.Errorf("get current user: %w", err)
	}

	info := UserInfo{
		UserID:      me.UserName,
		DisplayName: me.DisplayName,
		Active:      me.Active,
	}
	if info.UserID == "" {
		info.UserID = "unknown"
	}
	if info.DisplayName == "" {
		info.DisplayName = info.UserID
	}
	return info, nil
}

// Authenticator signs outbound requests with workspace credentials. Both
// the serving-endpoint client and the MLflow recorder accept it so they can
// reuse whatever auth method the SDK negotiated.
type Authenticator func(r *http.Request) error

// NewAuthenticator adapts the workspace client's request signer.
func NewAuthenticator(w *sdk.WorkspaceClient) Authenticator {
	return func(r *http.Request) error {
		return w.Config.Authenticate(r)
	}
}
