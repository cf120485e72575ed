/*
Package resilience provides the circuit breaker that guards backend
provisioning.

When backends fail to start repeatedly (a broken shell path, an exhausted
host) every further Connect would otherwise wait out the full startup
timeout. The breaker opens after a run of failures and rejects calls with
ErrCircuitOpen until a cooldown passes, then lets a few probe calls through.

# Usage

	breaker := resilience.New("provision", resilience.Settings{
		Probes:   1,
		Cooldown: 30 * time.Second,
		Trip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		Ignore: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})

	backend, err := resilience.Execute(breaker, func() (*provision.Backend, error) {
		return provisioner.Provision(ctx, cfg)
	})

# States

	Closed --[trip]-> Open --[cooldown]-> Half-Open --[probes succeed]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                         Open
*/
package resilience
