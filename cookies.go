package gentlefetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/net/publicsuffix"
)

// PersistentJar is a cookie jar that remembers which sites set cookies so
// it can write them to a file and load them back.
type PersistentJar struct {
	jar *cookiejar.Jar

	mu    sync.Mutex
	sites map[string]*url.URL
}

type savedSite struct {
	URL     string        `json:"url"`
	Cookies []savedCookie `json:"cookies"`
}

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewPersistentJar creates an empty jar using the public suffix list.
func NewPersistentJar() (*PersistentJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &PersistentJar{jar: jar, sites: make(map[string]*url.URL)}, nil
}

// SetCookies implements http.CookieJar.
func (j *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)
	site := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	j.mu.Lock()
	j.sites[site.String()] = site
	j.mu.Unlock()
}

// Cookies implements http.CookieJar.
func (j *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// Load reads cookies saved by Save. A missing file is not an error.
func (j *PersistentJar) Load(fsys afero.Fs, path string) error {
	b, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cookies %s: %w", path, err)
	}

	var sites []savedSite
	if err := json.Unmarshal(b, &sites); err != nil {
		return fmt.Errorf("decode cookies %s: %w", path, err)
	}
	for _, s := range sites {
		u, err := url.Parse(s.URL)
		if err != nil {
			continue
		}
		cookies := make([]*http.Cookie, 0, len(s.Cookies))
		for _, c := range s.Cookies {
			cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
		}
		j.SetCookies(u, cookies)
	}
	return nil
}

// Save writes every known site's cookies to path, creating parent directories.
func (j *PersistentJar) Save(fsys afero.Fs, path string) error {
	j.mu.Lock()
	sites := make([]*url.URL, 0, len(j.sites))
	for _, u := range j.sites {
		sites = append(sites, u)
	}
	j.mu.Unlock()
	sort.Slice(sites, func(a, b int) bool { return sites[a].String() < sites[b].String() })

	out := make([]savedSite, 0, len(sites))
	for _, u := range sites {
		cookies := j.jar.Cookies(u)
		if len(cookies) == 0 {
			continue
		}
		s := savedSite{URL: u.String()}
		for _, c := range cookies {
			s.Cookies = append(s.Cookies, savedCookie{Name: c.Name, Value: c.Value})
		}
		out = append(out, s)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return afero.WriteFile(fsys, path, b, 0o600)
}
