package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Build is a concrete downloadable artifact resolved from a human-readable
// version string.
type Build struct {
	Version  string
	ID       int
	URL      string
	Filename string
}

// Resolver maps a version string to a downloadable build. Any remote source
// with "resolve version -> byte stream" semantics satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, version string) (Build, error)
}

// PaperResolver resolves versions against a PaperMC-style v2 project API:
// the newest build for the version is selected and its application download
// forms the URL.
type PaperResolver struct {
	BaseURL string // e.g. https://api.papermc.io/v2
	Project string // e.g. "paper"
	Client  *http.Client
}

func NewPaperResolver(baseURL, project string) *PaperResolver {
	if baseURL == "" {
		baseURL = "https://api.papermc.io/v2"
	}
	if project == "" {
		project = "paper"
	}
	return &PaperResolver{
		BaseURL: baseURL,
		Project: project,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type versionInfo struct {
	Builds []int `json:"builds"`
}

type buildInfo struct {
	Downloads map[string]struct {
		Name string `json:"name"`
	} `json:"downloads"`
}

func (r *PaperResolver) Resolve(ctx context.Context, version string) (Build, error) {
	if version == "" {
		return Build{}, &ResolveError{Version: version, Err: fmt.Errorf("version required")}
	}

	var vi versionInfo
	versionURL := fmt.Sprintf("%s/projects/%s/versions/%s", r.BaseURL, r.Project, url.PathEscape(version))
	if err := r.getJSON(ctx, versionURL, &vi); err != nil {
		return Build{}, &ResolveError{Version: version, Err: err}
	}
	if len(vi.Builds) == 0 {
		return Build{}, &ResolveError{Version: version, Err: fmt.Errorf("no builds available")}
	}
	build := vi.Builds[len(vi.Builds)-1] // API lists oldest first

	var bi buildInfo
	buildURL := fmt.Sprintf("%s/builds/%d", versionURL, build)
	if err := r.getJSON(ctx, buildURL, &bi); err != nil {
		return Build{}, &ResolveError{Version: version, Err: err}
	}
	name := bi.Downloads["application"].Name
	if name == "" {
		name = fmt.Sprintf("%s-%s-%d.jar", r.Project, version, build)
	}

	return Build{
		Version:  version,
		ID:       build,
		URL:      fmt.Sprintf("%s/downloads/%s", buildURL, url.PathEscape(name)),
		Filename: name,
	}, nil
}

func (r *PaperResolver) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lookup failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
