// Package auth 从请求中取出已由上游认证过的用户身份。
// 凭证的签发与校验策略不在网关内；这里只负责读取。
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"pairchat/server/internal/config"
)

const (
	ModeNone   = "none"
	ModeHeader = "header"
	ModeJWT    = "jwt"
)

// ErrUnauthenticated 请求没有携带有效身份
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver 解析请求身份。mode=none 时总是返回空身份、无错误。
type Resolver struct {
	mode   string
	header string
	secret []byte
	claim  string
}

func NewResolver(cfg config.AuthConfig) (*Resolver, error) {
	r := &Resolver{
		mode:   cfg.Mode,
		header: cfg.Header,
		secret: []byte(cfg.JWTSecret),
		claim:  cfg.UserIDClaim,
	}
	if r.mode == "" {
		r.mode = ModeNone
	}
	if r.claim == "" {
		r.claim = "id"
	}
	switch r.mode {
	case ModeNone:
	case ModeHeader:
		if r.header == "" {
			return nil, errors.New("auth header name is required")
		}
	case ModeJWT:
		if len(r.secret) == 0 {
			return nil, errors.New("jwt secret is required")
		}
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", r.mode)
	}
	return r, nil
}

// Mode 当前鉴权模式
func (r *Resolver) Mode() string { return r.mode }

// Required 是否必须携带身份
func (r *Resolver) Required() bool { return r.mode != ModeNone }

// Resolve 返回请求携带的用户 ID。
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	switch r.mode {
	case ModeHeader:
		id := strings.TrimSpace(req.Header.Get(r.header))
		if id == "" {
			return "", ErrUnauthenticated
		}
		return id, nil
	case ModeJWT:
		token := bearerToken(req)
		if token == "" {
			return "", ErrUnauthenticated
		}
		return r.verify(token)
	default:
		return "", nil
	}
}

// bearerToken 优先 Authorization: Bearer，其次 ?token=（浏览器 WebSocket 无法自定义请求头）。
func bearerToken(req *http.Request) string {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}

func (r *Resolver) verify(token string) (string, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrUnauthenticated
	}

	switch v := claims[r.claim].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: claim %q missing", ErrUnauthenticated, r.claim)
}

// IssueToken 用 HS256 签发一个只带用户 ID 的令牌（本地调试与测试用）。
func IssueToken(secret []byte, claim, userID string, ttl time.Duration) (string, error) {
	if claim == "" {
		claim = "id"
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		claim: userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
}
