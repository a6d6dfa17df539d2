/*
Package resilience provides the circuit breaker that guards IPC clients.

A Breaker counts failed requests. Once ReadyToTrip says so, the circuit
opens and Execute fails fast with ErrCircuitOpen for Timeout. After that
the breaker lets MaxRequests probes through in the half-open state; as
many consecutive successes close it again, one failure reopens it.

	b := resilience.New("calc", resilience.Settings{
		Timeout:     5 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	err := b.Execute(func() error { return client.Invoke(ctx, op, args, &reply) })

IsSuccessful decides which errors count as failures. Clients use it to
keep application error replies from tripping the circuit.
*/
package resilience
