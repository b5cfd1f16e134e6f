package llm

import (
	"context"
	"net/http"

	"infosentry/pkg/clients"
)

const maxRetries = 3

// doWithRetry executes the request produced by build through a failsafe
// executor, retrying on network errors, 5xx and 429. A fresh request is
// built per attempt so bodies are always readable.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	executor := clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
		MaxRetries: maxRetries,
	})
	return clients.ExecuteHTTP(ctx, executor, func() (*http.Response, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	})
}
