package storelink

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt is the claim set the chat-style deployments put on a subscription
// token: a stable client id and a display name.
type ByJwt struct {
	ClientId Id
	Name     string
}

func NewByJwt(clientId Id, name string) *ByJwt {
	return &ByJwt{
		ClientId: clientId,
		Name:     name,
	}
}

func (self *ByJwt) Sign(secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": self.ClientId.String(),
		"name":      self.Name,
	})
	return token.SignedString(secret)
}

func ParseByJwt(jwtStr string, secret []byte) (*ByJwt, error) {
	token, err := gojwt.Parse(
		jwtStr,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("bad claims")
	}

	byJwt := &ByJwt{}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}
	if name, ok := claims["name"].(string); ok {
		byJwt.Name = name
	}
	return byJwt, nil
}

// RequireAuth gates a subscriber on a signed token. The peer passes the token
// as the first subscription param; on a valid signature the claims are set on
// the request and the remaining params pass through to next.
func RequireAuth(secret []byte, next SubscribeFunc) SubscribeFunc {
	return func(req *SubscribeRequest) Admission {
		if len(req.Params) == 0 {
			return Deny("missing token")
		}
		jwtStr, ok := req.Params[0].(string)
		if !ok {
			return Deny("missing token")
		}
		byJwt, err := ParseByJwt(jwtStr, secret)
		if err != nil {
			return Deny(fmt.Sprintf("invalid token: %s", err))
		}
		req.Auth = byJwt
		req.Params = req.Params[1:]
		return next(req)
	}
}
