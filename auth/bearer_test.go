package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubUser struct {
	id string
}

func (u stubUser) UserID() string { return u.id }
func (u stubUser) Claims(ref any) error {
	if m, ok := ref.(*map[string]any); ok {
		*m = map[string]any{"sub": u.id, "scope": "rt:connect"}
	}
	return nil
}

type stubAuthenticator struct {
	tokens map[string]error
	seen   []string
}

func (s *stubAuthenticator) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	s.seen = append(s.seen, tok)
	err, ok := s.tokens[tok]
	if !ok {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return stubUser{id: "user-" + tok}, nil
}

func authorize(t *testing.T, a Authorizer, r *http.Request) Result {
	t.Helper()
	res, err := a.Authorize(context.Background(), NewHandshakeData(r))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return res
}

func TestBearer_HeaderToken(t *testing.T) {
	authn := &stubAuthenticator{tokens: map[string]error{"good": nil}}
	a := NewBearerAuthorizer(authn)

	r := httptest.NewRequest(http.MethodGet, "/socket.io/?transport=polling", nil)
	r.Header.Set("Authorization", "Bearer good")

	res, ok := authorize(t, a, r).(*Authorized)
	if !ok {
		t.Fatalf("want *Authorized")
	}
	if res.ClientData[ClientDataUserID] != "user-good" {
		t.Fatalf("unexpected user id %v", res.ClientData[ClientDataUserID])
	}
	claims, _ := res.ClientData[ClientDataClaims].(map[string]any)
	if claims["scope"] != "rt:connect" {
		t.Fatalf("claims not attached: %+v", res.ClientData)
	}
}

func TestBearer_QueryToken(t *testing.T) {
	authn := &stubAuthenticator{tokens: map[string]error{"good": nil}}
	a := NewBearerAuthorizer(authn)

	r := httptest.NewRequest(http.MethodGet, "/socket.io/?transport=polling&token=good", nil)
	if _, ok := authorize(t, a, r).(*Authorized); !ok {
		t.Fatalf("want *Authorized")
	}

	a = NewBearerAuthorizer(authn, WithQueryParam(""))
	if _, ok := authorize(t, a, r).(*Unauthorized); !ok {
		t.Fatalf("query fallback should be disabled")
	}
}

func TestBearer_Missing(t *testing.T) {
	authn := &stubAuthenticator{}
	a := NewBearerAuthorizer(authn, WithRealm("chat"))

	r := httptest.NewRequest(http.MethodGet, "/socket.io/?transport=polling", nil)
	u, ok := authorize(t, a, r).(*Unauthorized)
	if !ok {
		t.Fatalf("want *Unauthorized")
	}
	if u.Status != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", u.Status)
	}
	if got := u.Header.Get("WWW-Authenticate"); got != `Bearer realm="chat"` {
		t.Fatalf("unexpected challenge %q", got)
	}
	if len(authn.seen) != 0 {
		t.Fatalf("authenticator called without a token")
	}
}

func TestBearer_MalformedHeader(t *testing.T) {
	a := NewBearerAuthorizer(&stubAuthenticator{})

	r := httptest.NewRequest(http.MethodGet, "/socket.io/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	u, ok := authorize(t, a, r).(*Unauthorized)
	if !ok || u.Status != http.StatusBadRequest {
		t.Fatalf("want 400 rejection, got %+v", u)
	}
	if !strings.Contains(u.Header.Get("WWW-Authenticate"), "invalid_request") {
		t.Fatalf("unexpected challenge %q", u.Header.Get("WWW-Authenticate"))
	}
}

func TestBearer_InvalidAndInsufficient(t *testing.T) {
	authn := &stubAuthenticator{tokens: map[string]error{
		"narrow": ErrInsufficientScope,
	}}
	a := NewBearerAuthorizer(authn)

	r := httptest.NewRequest(http.MethodGet, "/socket.io/", nil)
	r.Header.Set("Authorization", "Bearer bogus")
	u, ok := authorize(t, a, r).(*Unauthorized)
	if !ok || u.Status != http.StatusUnauthorized {
		t.Fatalf("want 401 for invalid token")
	}
	if !strings.Contains(u.Header.Get("WWW-Authenticate"), "invalid_token") {
		t.Fatalf("unexpected challenge %q", u.Header.Get("WWW-Authenticate"))
	}

	r.Header.Set("Authorization", "Bearer narrow")
	u, ok = authorize(t, a, r).(*Unauthorized)
	if !ok || u.Status != http.StatusForbidden {
		t.Fatalf("want 403 for insufficient scope")
	}
}

func TestBearer_UnexpectedErrorPropagates(t *testing.T) {
	boom := errors.New("jwks unreachable")
	a := NewBearerAuthorizer(&stubAuthenticator{tokens: map[string]error{"t": boom}})

	r := httptest.NewRequest(http.MethodGet, "/socket.io/", nil)
	r.Header.Set("Authorization", "Bearer t")
	if _, err := a.Authorize(context.Background(), NewHandshakeData(r)); !errors.Is(err, boom) {
		t.Fatalf("want wrapped error, got %v", err)
	}
}

func TestAccessTokenConfigRequiresAudience(t *testing.T) {
	if _, err := NewStatic(context.Background(), "https://issuer", "", "https://issuer/keys"); err == nil {
		t.Fatalf("expected error for empty audience")
	}
}
