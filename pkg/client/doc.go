/*
Package client is the Go client for the Kiln HTTP API, used by the CLI
and usable as a library.

# Usage

	c := client.NewClient("http://localhost:8000", apiKey)

	zipData, err := client.ZipDirectory(".")
	if err != nil {
		return err
	}

	success, err := c.Submit(ctx, zipData, func(event types.StreamEvent) {
		if event.Type == types.EventLog {
			fmt.Print(event.Data)
		}
	})

Submit uses the job-ID-first stream variant, so the handler's first event
identifies the job and a dropped connection can be resumed with Watch.
SubmitAsync returns the job ID immediately; ListJobs, GetJob, and
WaitForTerminal cover the non-streaming surface.

Streaming requests carry no client-side timeout. Cancellation is the
caller's context; the CLI wires it to SIGINT.

ZipDirectory packs a project tree in memory, skipping .git, virtualenvs,
caches, and node_modules.
*/
package client
