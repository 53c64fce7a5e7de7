package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/controllame/docpipe/config"
	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/telemetry"
)

// Console is the operator surface: a single shared password unlocks
// tokens that carry a tier override and a set of disabled agents. The
// token changes routing only for requests that present it; there is no
// process-global tier state.
type Console struct {
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	resolver     *models.Resolver
	costs        *telemetry.CostTracker
	logger       *log.Logger
}

// NewConsole builds the console handlers. costs may be nil.
func NewConsole(cfg config.ConsoleConfig, resolver *models.Resolver, costs *telemetry.CostTracker, logger *log.Logger) *Console {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &Console{
		passwordHash: []byte(cfg.PasswordHash),
		secret:       []byte(cfg.JWTSecret),
		ttl:          cfg.TokenTTL,
		resolver:     resolver,
		costs:        costs,
		logger:       logger,
	}
}

// Enabled reports whether a console password is configured.
func (h *Console) Enabled() bool {
	return h != nil && len(h.passwordHash) > 0
}

// Register installs the console routes.
func (h *Console) Register(g *echo.Group) {
	g.POST("/login", h.login)
	g.GET("/tiers", h.tiers, h.requireToken)
	g.GET("/costs", h.costsHandler, h.requireToken)
}

type consoleClaims struct {
	Tier     string   `json:"tier,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
	jwt.RegisteredClaims
}

// ConsoleLoginRequest selects the routing override baked into the token.
type ConsoleLoginRequest struct {
	Password string   `json:"password"`
	Tier     string   `json:"tier,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
}

func (h *Console) login(c echo.Context) error {
	var req ConsoleLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if req.Tier != "" && !models.ValidTier(models.Tier(req.Tier)) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	for _, a := range req.Disabled {
		if !validAgent(a) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown agent %q", a))
		}
	}

	now := time.Now()
	claims := consoleClaims{
		Tier:     req.Tier,
		Disabled: req.Disabled,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"token":      signed,
		"expires_at": now.Add(h.ttl).UTC().Format(time.RFC3339),
	})
}

func validAgent(name string) bool {
	for _, a := range models.Agents() {
		if string(a) == name {
			return true
		}
	}
	return false
}

func (h *Console) parseToken(raw string) (*consoleClaims, error) {
	claims := &consoleClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// CallContext derives the routing context for a request. No token means
// default routing; a present but invalid token is rejected rather than
// silently downgraded.
func (h *Console) CallContext(c echo.Context) (models.CallContext, error) {
	raw := bearerToken(c)
	if raw == "" || !h.Enabled() {
		return models.CallContext{}, nil
	}
	claims, err := h.parseToken(raw)
	if err != nil {
		return models.CallContext{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	call := models.CallContext{Tier: models.Tier(claims.Tier)}
	if len(claims.Disabled) > 0 {
		call.Disabled = make(map[models.AgentName]bool, len(claims.Disabled))
		for _, a := range claims.Disabled {
			call.Disabled[models.AgentName(a)] = true
		}
	}
	return call, nil
}

func (h *Console) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := bearerToken(c)
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
		}
		claims, err := h.parseToken(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set("console_claims", claims)
		return next(c)
	}
}

// tiers reports per-agent routing under the token's context, with the
// estimated cost of one full run.
func (h *Console) tiers(c echo.Context) error {
	call, err := h.CallContext(c)
	if err != nil {
		return err
	}
	info := h.resolver.TierInfo(call)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tier":                   info.Current,
		"agents":                 info.Agents,
		"estimated_run_cost_usd": h.resolver.EstimateCost(call),
	})
}

// costsHandler reports accumulated model spend since process start.
func (h *Console) costsHandler(c echo.Context) error {
	if h.costs == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"total_usd": 0.0,
			"by_model":  []telemetry.ModelSpendEntry{},
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total_usd": h.costs.Total(),
		"by_model":  h.costs.Snapshot(),
	})
}
