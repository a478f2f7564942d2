// auth.go — JWT middleware API поиска.
// Подпись проверяется по JWKS (keyfunc + jwkset с фоновым обновлением),
// идентификатор пользователя ownCloud берётся из настраиваемого claim,
// права администратора определяются по группам.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/owncloud/search-elastic-sub000/internal/api/errors"
)

// contextKey — тип для ключей контекста.
type contextKey string

// ContextKeyClaims — claims запроса в контексте.
const ContextKeyClaims contextKey = "jwt_claims"

// AuthClaims — данные аутентифицированного пользователя.
type AuthClaims struct {
	// Subject — sub из JWT
	Subject string
	// UserID — идентификатор пользователя ownCloud
	UserID string
	Groups []string
	// Admin — пользователь входит в одну из административных групп
	Admin bool
}

// AuthOptions — параметры JWT middleware.
type AuthOptions struct {
	JWKSURL         string
	CACertPath      string
	Issuer          string
	UserClaim       string
	AdminGroups     []string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// JWTAuth — middleware JWT-аутентификации.
type JWTAuth struct {
	jwks        keyfunc.Keyfunc
	issuer      string
	userClaim   string
	adminGroups []string
	leeway      time.Duration
	logger      *slog.Logger
}

// NewJWTAuth создаёт middleware с JWKS, загружаемым по HTTP.
func NewJWTAuth(opts AuthOptions, logger *slog.Logger) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: opts.ClientTimeout}
	if opts.CACertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(opts.CACertPath, opts.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", opts.CACertPath, err)
		}
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже при недоступном IdP.
	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", opts.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, opts, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с готовым keyfunc (тесты).
func NewJWTAuthWithKeyfunc(k keyfunc.Keyfunc, opts AuthOptions, logger *slog.Logger) *JWTAuth {
	userClaim := opts.UserClaim
	if userClaim == "" {
		userClaim = "preferred_username"
	}
	return &JWTAuth{
		jwks:        k,
		issuer:      opts.Issuer,
		userClaim:   userClaim,
		adminGroups: opts.AdminGroups,
		leeway:      opts.Leeway,
		logger:      logger.With(slog.String("component", "jwt_auth")),
	}
}

// httpClientWithCA создаёт HTTP-клиент с дополнительным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

// Middleware проверяет Bearer token и помещает AuthClaims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}
			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			raw := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, raw, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				if err != nil {
					j.logger.Debug("JWT валидация не пройдена",
						slog.String("error", err.Error()),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			claims, err := j.buildAuthClaims(raw)
			if err != nil {
				apierrors.Unauthorized(w, err.Error())
				return
			}

			setRequestUser(r.Context(), claims.UserID)
			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildAuthClaims извлекает пользователя и группы из claims токена.
func (j *JWTAuth) buildAuthClaims(raw jwt.MapClaims) (*AuthClaims, error) {
	subject, _ := raw.GetSubject()
	userID, _ := raw[j.userClaim].(string)
	if userID == "" {
		return nil, fmt.Errorf("отсутствует claim %s в токене", j.userClaim)
	}

	claims := &AuthClaims{
		Subject: subject,
		UserID:  userID,
		Groups:  stringList(raw["groups"]),
	}
	claims.Admin = slices.ContainsFunc(claims.Groups, func(g string) bool {
		return slices.Contains(j.adminGroups, g)
	})
	return claims, nil
}

// stringList приводит JSON-массив claim к срезу строк.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// RequireAdmin пропускает только пользователей административных групп.
// Должен использоваться после JWTAuth.Middleware().
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}
			if !claims.Admin {
				apierrors.Forbidden(w, "Недостаточно прав: требуется административная группа")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}
