package llm

import "context"

// LimitedClient bounds the number of in-flight model calls across all
// workers with a semaphore. Queue-level concurrency stays independent of
// the provider's capacity.
type LimitedClient struct {
	inner Client
	sem   chan struct{}
}

// NewLimitedClient wraps inner with a concurrency bound of n (minimum 1).
func NewLimitedClient(inner Client, n int) *LimitedClient {
	if n < 1 {
		n = 1
	}
	return &LimitedClient{
		inner: inner,
		sem:   make(chan struct{}, n),
	}
}

func (l *LimitedClient) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LimitedClient) release() { <-l.sem }

func (l *LimitedClient) AnalyzeFile(ctx context.Context, filePath, content string) (*FileAnalysis, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.AnalyzeFile(ctx, filePath, content)
}

func (l *LimitedClient) AnalyzeDirectory(ctx context.Context, directory string, pois []POIContext, candidates []CandidateRelationship) (*DirectoryAnalysis, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.AnalyzeDirectory(ctx, directory, pois, candidates)
}

func (l *LimitedClient) AnalyzePOI(ctx context.Context, poi POIContext, surrounding []POIContext) (*POIAnalysis, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.AnalyzePOI(ctx, poi, surrounding)
}

func (l *LimitedClient) Model() string { return l.inner.Model() }

var _ Client = (*LimitedClient)(nil)
