// Package gateway is the inbound surface of the relay: a chi HTTP API and
// the Service that orchestrates each request across the session registry,
// request tracker, transport client, idempotency guard, and artifact reaper.
//
// The Service owns the control flow: duplicate check, session acquisition,
// durable tracking, dispatch over transport or into the interactive session,
// terminal transition with artifact write, and bookkeeping release. Once a
// request is recorded, dispatch failures surface as terminal states on the
// record rather than lost errors.
package gateway
