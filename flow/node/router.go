package node

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/convoflow-ai/convoflow/flow/state"
)

type routeConfig struct {
	Condition string `json:"condition"`
	Target    string `json:"target"`
	Priority  int    `json:"priority,omitempty"`
}

type routerConfig struct {
	Routes                []routeConfig `json:"routes"`
	DefaultRoute          string        `json:"defaultRoute"`
	EvaluateAllConditions bool          `json:"evaluateAllConditions,omitempty"`
}

type compiledRoute struct {
	routeConfig
	order   int
	program *vm.Program
}

// router evaluates expr-compiled conditions against state and records the
// chosen target in __routeChosen. Conditions are compiled at build time so
// a typo fails workflow validation.
type router struct {
	id     string
	cfg    routerConfig
	routes []compiledRoute
}

func newRouter(def Def) (Runner, error) {
	var cfg routerConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("routes must be non-empty")
	}
	if cfg.DefaultRoute == "" {
		return nil, fmt.Errorf("defaultRoute is required")
	}

	routes := make([]compiledRoute, 0, len(cfg.Routes))
	for i, rc := range cfg.Routes {
		if rc.Condition == "" || rc.Target == "" {
			return nil, fmt.Errorf("route %d: condition and target are required", i)
		}
		program, err := expr.Compile(rc.Condition,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("route %d condition %q: %w", i, rc.Condition, err)
		}
		routes = append(routes, compiledRoute{routeConfig: rc, order: i, program: program})
	}

	// Priority descending, declaration order breaking ties.
	sort.SliceStable(routes, func(a, b int) bool {
		if routes[a].Priority != routes[b].Priority {
			return routes[a].Priority > routes[b].Priority
		}
		return routes[a].order < routes[b].order
	})

	return &router{id: def.ID, cfg: cfg, routes: routes}, nil
}

func (n *router) Kind() string { return KindRouter }

func (n *router) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	env := view.Values()

	var chosen *compiledRoute
	for i := range n.routes {
		route := &n.routes[i]
		out, err := expr.Run(route.program, env)
		if err != nil {
			// A condition over absent or mistyped fields is a no-match, not
			// a workflow failure.
			rt.Logger.Debug().Err(err).
				Str("node", n.id).
				Str("condition", route.Condition).
				Msg("route condition evaluation failed")
			continue
		}
		matched, _ := out.(bool)
		if !matched {
			continue
		}
		if chosen == nil {
			chosen = route
			if !n.cfg.EvaluateAllConditions {
				break
			}
			continue
		}
		rt.Logger.Info().
			Str("node", n.id).
			Str("condition", route.Condition).
			Str("target", route.Target).
			Str("winner", chosen.Target).
			Msg("route condition also matched")
	}

	if chosen != nil {
		return Result{
			Delta: state.Delta{
				state.FieldRouteChosen:   chosen.Target,
				state.FieldRoutingReason: chosen.Condition,
			},
			Payload: map[string]any{"target": chosen.Target},
		}, nil
	}
	return Result{
		Delta: state.Delta{
			state.FieldRouteChosen:   n.cfg.DefaultRoute,
			state.FieldRoutingReason: "default",
		},
		Payload: map[string]any{"target": n.cfg.DefaultRoute},
	}, nil
}
