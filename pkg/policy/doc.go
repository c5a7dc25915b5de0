// Package policy evaluates contract usage policies with Open Policy Agent.
//
// A Policy carries permissions, prohibitions and obligations whose constraints
// are evaluated by rego modules. Every module exposes a "deny" set; an error
// severity member denies the evaluation. The built-in "constraints" module
// understands:
//
//   - inForceDate against an RFC 3339 date or "contractAgreement+<duration>"
//   - counterPartyId / participantId against the counterpart identity
//   - any other left operand looked up in EvaluationContext.Attributes
//
// Additional modules are loaded from .rego or .json files. A "# scope: a, b"
// header comment restricts a .rego module to those evaluation scopes. The Loader
// can watch module directories and hot-reload them:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, dirs, func(mods []policy.Module) error {
//	    return eng.ReloadModules(ctx, mods)
//	})
//
// Provider-side generation requires a ValidatedPolicy, which only Validate can
// produce, so the fact that the policy was checked travels with the call.
package policy
