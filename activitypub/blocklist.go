package activitypub

import (
	"bufio"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Blocklist is the set of denied hosts. Lookups are lock free; Replace swaps
// the whole set at once.
type Blocklist struct {
	hosts atomic.Pointer[map[string]struct{}]
}

func NewBlocklist(hosts []string) *Blocklist {
	b := &Blocklist{}
	b.Replace(hosts)
	return b
}

// Replace installs a new host set.
func (b *Blocklist) Replace(hosts []string) {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = struct{}{}
		}
	}
	b.hosts.Store(&set)
}

// Blocked reports whether iri's host, or any parent domain of it, is denied.
func (b *Blocklist) Blocked(iri string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(iri)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	set := *b.hosts.Load()
	for {
		if _, ok := set[host]; ok {
			return true
		}
		i := strings.Index(host, ".")
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}

// Hosts returns the current set, sorted.
func (b *Blocklist) Hosts() []string {
	set := *b.hosts.Load()
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// LoadBlocklist merges static hosts with a file holding one host per line.
// Blank lines and lines starting with # are ignored. A missing file is not
// an error.
func LoadBlocklist(static []string, path string) ([]string, error) {
	hosts := append([]string(nil), static...)
	if path == "" {
		return hosts, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return hosts, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, scanner.Err()
}
