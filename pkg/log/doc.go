/*
Package log wraps zerolog for labvm.

Init configures the process-wide Logger once at startup from the log_level
and log_json settings. Console output is the default; JSON output is meant
for log shippers.

Packages derive a child logger that carries their identity:

	logger := log.WithComponent("reconciler")
	logger.Info().Int("vmid", vm.VMID).Str("node", vm.Node).Msg("VM migrated")

Per-VM fields (vmid, node, user_id) are added on the child logger where a
VM is in hand. Tests call Disable to silence output.
*/
package log
