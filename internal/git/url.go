// internal/git/url.go
package git

import (
	"strings"
)

// NormalizeRepoURL converts SSH remotes (git@host:owner/repo.git) to
// https://host/owner/repo and strips any trailing slash and ".git" suffix.
func NormalizeRepoURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimRight(u, "/")

	if strings.HasPrefix(u, "git@") {
		rest := strings.TrimPrefix(u, "git@")
		if host, path, ok := strings.Cut(rest, ":"); ok {
			u = "https://" + host + "/" + path
		}
	}

	u = strings.TrimSuffix(u, ".git")
	return strings.TrimRight(u, "/")
}

// SameRepo reports whether two remote URLs name the same repository,
// ignoring transport form, credentials and a ".git" suffix.
func SameRepo(a, b string) bool {
	a, b = NormalizeRepoURL(stripUserinfo(a)), NormalizeRepoURL(stripUserinfo(b))
	return a != "" && strings.EqualFold(a, b)
}

// stripUserinfo drops "user:pass@" from scheme URLs. SSH remotes are left alone.
func stripUserinfo(u string) string {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(u), "://")
	if !ok {
		return u
	}
	host, path, _ := strings.Cut(rest, "/")
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if path == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + host + "/" + path
}

// RepoName returns the final path segment of a repository URL with any ".git"
// suffix removed, or "unknown" when none can be derived.
func RepoName(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	u = strings.TrimSuffix(u, ".git")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		u = u[i+1:]
	}
	if u == "" {
		return "unknown"
	}
	return u
}

// AuthenticatedURL embeds token in an https://github.com/ URL for cloning.
// Other URLs, and an empty token, are returned unchanged.
func AuthenticatedURL(repoURL, token string) string {
	const prefix = "https://github.com/"
	if token == "" || !strings.HasPrefix(repoURL, prefix) {
		return repoURL
	}
	return "https://" + token + "@github.com/" + strings.TrimPrefix(repoURL, prefix)
}

// Redact masks every occurrence of token in s.
func Redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
