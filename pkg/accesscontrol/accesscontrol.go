package accesscontrol

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
)

var Module = fx.Module("accesscontrol", fx.Provide(New))

// roles are matched literally; objects are request paths matched with keyMatch2.
const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch2(r.obj, p.obj) && r.act == p.act
`

const account = "/api/v1/accounts/:account_id"

// DefaultPolicy is the role table of the JSON API.
var DefaultPolicy = [][]string{
	{"owner", account + "/balance", "GET"},
	{"service", account + "/balance", "GET"},
	{"admin", account + "/balance", "GET"},

	{"owner", account + "/transactions", "GET"},
	{"service", account + "/transactions", "GET"},
	{"admin", account + "/transactions", "GET"},
	{"service", account + "/transactions", "POST"},

	{"owner", account + "/quests", "GET"},
	{"service", account + "/quests", "GET"},
	{"admin", account + "/quests", "GET"},
	{"owner", account + "/quests/:quest_id/claim", "POST"},

	{"customer", "/api/v1/rewards", "GET"},
	{"owner", "/api/v1/rewards", "GET"},
	{"service", "/api/v1/rewards", "GET"},
	{"admin", "/api/v1/rewards", "GET"},
	{"owner", account + "/rewards/:reward_id/claim", "POST"},

	{"owner", account + "/claims", "GET"},
	{"admin", account + "/claims", "GET"},
	{"service", account + "/claims/:claim_id/use", "POST"},
	{"admin", account + "/claims/:claim_id/use", "POST"},

	{"owner", account + "/notifications", "GET"},
	{"owner", account + "/notifications/:notification_id/read", "POST"},

	{"service", account + "/events", "POST"},

	{"admin", "/api/v1/admin/accounts/:account_id/adjustments", "POST"},
	{"admin", "/api/v1/admin/accounts/:account_id/verify", "GET"},
	{"admin", "/api/v1/admin/accounts/:account_id/expirations", "POST"},
	{"admin", "/api/v1/admin/accounts/:account_id/exports", "POST"},
}

// Enforcer answers whether a role may call method on path.
type Enforcer interface {
	Allowed(role, path, method string) bool
}

type casbinEnforcer struct {
	e *casbin.Enforcer
}

// New loads ACCESS_CONTROL.MODEL/POLICY files when both are set and falls back
// to the built-in model and DefaultPolicy otherwise.
func New(cfg *config.Config) (Enforcer, error) {
	if cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		e, err := casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
		if err != nil {
			return nil, err
		}
		return &casbinEnforcer{e: e}, nil
	}
	return NewDefault()
}

func NewDefault() (Enforcer, error) {
	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.AddPolicies(DefaultPolicy); err != nil {
		return nil, err
	}
	return &casbinEnforcer{e: e}, nil
}

func (c *casbinEnforcer) Allowed(role, path, method string) bool {
	ok, err := c.e.Enforce(role, path, method)
	if err != nil {
		zap.L().Error("policy evaluation failed", zap.String("role", role), zap.String("path", path), zap.Error(err))
		return false
	}
	return ok
}
