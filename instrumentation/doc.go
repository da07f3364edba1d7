// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the token engine.
//
// # Quick Start
//
//	reader := sdkmetric.NewManualReader() // or a Prometheus / OTLP reader
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MetricReaders:  []sdkmetric.Reader{reader},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// When Enabled is false every provider is a no-op.
//
// # Available Metrics
//
// Grants:
//   - oauth.grant.created{oauth.client.source}
//   - oauth.grant.redeemed{oauth.client.source}
//   - oauth.grant.redemption_failed{oauth.reason}
//   - oauth.pkce.validation_failed{oauth.field}
//   - oauth.policy.validation_failed{oauth.policy, oauth.error}
//
// Sessions:
//   - oauth.session.refreshed{oauth.downscoped}
//   - oauth.session.reuse_detected - refresh token replays (theft signal)
//   - oauth.session.revoked{oauth.revocation.trigger}
//
// Client resolution:
//   - oauth.client.resolved{oauth.client.source, oauth.success}
//   - oauth.client_metadata.cache{oauth.cache.result}
//   - oauth.client_metadata.fetch_blocked{oauth.reason}
//   - oauth.client_metadata.fetch.duration{oauth.success} - milliseconds
//   - oauth.rate_limit.exceeded{security.rate_limiter.type}
//
// Storage:
//   - oauth.storage.operation.total{storage.operation, storage.result}
//   - oauth.storage.operation.duration{storage.operation, storage.result}
//   - oauth.storage.grants.count, oauth.storage.sessions.count,
//     oauth.storage.sessions.active, oauth.storage.clients.count,
//     oauth.storage.client_metadata.count
//
// # Distributed Tracing
//
// Spans are created for grant creation and redemption, refresh, revocation,
// client resolution and metadata fetches, and storage mutations.
//
// SECURITY: attribute keys in tracing.go carry metadata only. Never record
// tokens, authorization codes, code verifiers or client secrets.
package instrumentation
