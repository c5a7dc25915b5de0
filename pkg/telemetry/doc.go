// Package telemetry wires logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and lifecycle events for the connector.
//
// A Telemetry is built once at startup and stored in the context handed to the
// manager:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Code that only has a context instruments its work through helpers that fall
// back to plain calls when no Telemetry is attached:
//
//	ctx, end := telemetry.WithProcessContext(ctx, p.ID, string(p.Role), string(p.State))
//	defer end(err)
//	zerolog.Ctx(ctx).Debug().Msg("generating manifest")
//
// # Metrics
//
// Collectors live on a private registry served at MetricsConfig.Path, prefixed
// with MetricsConfig.Namespace:
//
//   - transfers_initiated_total{role}
//   - state_transitions_total{role,state}
//   - transfers_terminated_total{role,code}
//   - retries_total{state}
//   - manifest_definitions{role}
//   - provisioner_calls_total{kind,operation}
//   - provisioner_call_duration_seconds{kind,operation}
//   - provisioner_errors_total{kind,operation}
//   - policy_evaluations_total{scope,result}
//   - errors_by_code_total{class,code}
//   - lease_conflicts_total
//   - leased_processes
//   - queued_provision_results
//
// # Events
//
// EventPublisher delivers events to each subscriber in publication order. In
// async mode a single goroutine drains a bounded buffer; Publish never blocks
// and reports ErrEventBufferFull instead.
package telemetry
