package llm

import "context"

// MockClient is a configurable mock for testing pipeline workers.
// Set the function fields to control behavior in tests.
type MockClient struct {
	// AnalyzeFileFunc is called when AnalyzeFile is invoked.
	// If nil, returns an empty analysis and nil error.
	AnalyzeFileFunc func(ctx context.Context, filePath, content string) (*FileAnalysis, error)

	// AnalyzeDirectoryFunc is called when AnalyzeDirectory is invoked.
	// If nil, returns an empty analysis and nil error.
	AnalyzeDirectoryFunc func(ctx context.Context, directory string, pois []POIContext, candidates []CandidateRelationship) (*DirectoryAnalysis, error)

	// AnalyzePOIFunc is called when AnalyzePOI is invoked.
	// If nil, returns an empty analysis and nil error.
	AnalyzePOIFunc func(ctx context.Context, poi POIContext, surrounding []POIContext) (*POIAnalysis, error)

	// ModelName is returned by Model. Defaults to "mock-model".
	ModelName string

	// Call tracking for verification
	AnalyzeFileCalls      int
	AnalyzeDirectoryCalls int
	AnalyzePOICalls       int
}

// NewMockClient creates a new mock with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{ModelName: "mock-model"}
}

// AnalyzeFile implements Client.
func (m *MockClient) AnalyzeFile(ctx context.Context, filePath, content string) (*FileAnalysis, error) {
	m.AnalyzeFileCalls++
	if m.AnalyzeFileFunc != nil {
		return m.AnalyzeFileFunc(ctx, filePath, content)
	}
	return &FileAnalysis{}, nil
}

// AnalyzeDirectory implements Client.
func (m *MockClient) AnalyzeDirectory(ctx context.Context, directory string, pois []POIContext, candidates []CandidateRelationship) (*DirectoryAnalysis, error) {
	m.AnalyzeDirectoryCalls++
	if m.AnalyzeDirectoryFunc != nil {
		return m.AnalyzeDirectoryFunc(ctx, directory, pois, candidates)
	}
	return &DirectoryAnalysis{}, nil
}

// AnalyzePOI implements Client.
func (m *MockClient) AnalyzePOI(ctx context.Context, poi POIContext, surrounding []POIContext) (*POIAnalysis, error) {
	m.AnalyzePOICalls++
	if m.AnalyzePOIFunc != nil {
		return m.AnalyzePOIFunc(ctx, poi, surrounding)
	}
	return &POIAnalysis{}, nil
}

// Model implements Client.
func (m *MockClient) Model() string { return m.ModelName }

var _ Client = (*MockClient)(nil)
