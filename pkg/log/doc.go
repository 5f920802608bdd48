/*
Package log is vmmd's operator-facing diagnostic logger: a single global
zerolog.Logger, initialized once via Init, with helpers that attach the
dimension a log line is about — WithMachine, WithNetwork, WithInstance,
WithDownload, WithRequestID — as structured fields.

This is distinct from pkg/vmlog, which captures the stdout/stderr of
subprocesses (qemu-system-x86_64, virtiofsd, cloud-localds) into per-entity,
per-day files on disk. pkg/log is what an operator tails; pkg/vmlog's files
are where to look for what an instance's boot printed.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.WithMachine(id.String()).Info().Str("image", url).Msg("resolving root image")
	log.WithInstance(id.String()).Error().Err(err).Msg("start failed")

`vmmd machine create` attaches one correlation id per run, via
WithRequestID with a github.com/google/uuid value, so that run's log lines
can be grepped out of a shared log stream. Other commands attach none.
*/
package log
