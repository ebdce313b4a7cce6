package grammar

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

//go:embed grammars/*.yaml
var embedded embed.FS

const (
	DefaultCacheTTL        = 30 * time.Minute
	DefaultCleanupInterval = time.Hour
	DefaultDebounce        = 200 * time.Millisecond
)

// source is a grammar together with where it was loaded from.
type source struct {
	grammar   *GrammarFile
	origin    string
	firstLine *regexp2.Regexp
}

// Catalog knows every available mode: the embedded grammars plus the
// grammar files of the configured directories, which override embedded
// modes of the same name. Compiled markers are cached.
type Catalog struct {
	mu         sync.Mutex
	dirs       []string
	ttl        time.Duration
	debounce   time.Duration
	onReload   func()
	sources    map[string]*source
	extensions map[string]string
	building   map[string]*tokenizer.TokenMarker
	cache      *gocache.Cache
	interner   *tokenizer.Interner
}

type CatalogOption func(*Catalog)

// WithGrammarDirs adds directories searched for *.yaml grammar files.
func WithGrammarDirs(dirs ...string) CatalogOption {
	return func(c *Catalog) { c.dirs = append(c.dirs, dirs...) }
}

// WithCacheTTL sets how long a compiled mode stays cached. Zero or less
// selects DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) CatalogOption {
	return func(c *Catalog) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithDebounce(d time.Duration) CatalogOption {
	return func(c *Catalog) { c.debounce = d }
}

// WithOnReload registers a function called after Watch reloads the grammars.
func WithOnReload(fn func()) CatalogOption {
	return func(c *Catalog) { c.onReload = fn }
}

func NewCatalog(opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		ttl:      DefaultCacheTTL,
		debounce: DefaultDebounce,
		interner: tokenizer.NewInterner(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cache = gocache.New(c.ttl, DefaultCleanupInterval)
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reads all grammars again and drops every compiled mode.
func (c *Catalog) Reload() error {
	sources := make(map[string]*source)

	err := fs.WalkDir(embedded, "grammars", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isGrammarFile(p) {
			return err
		}
		data, err := embedded.ReadFile(p)
		if err != nil {
			return err
		}
		g, err := ParseGrammar(data)
		if err != nil {
			return fmt.Errorf("failed to parse embedded grammar '%s': %w", path.Base(p), err)
		}
		return addSource(sources, g, "embedded:"+path.Base(p))
	})
	if err != nil {
		return err
	}

	for _, dir := range c.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("grammar directory %s does not exist", dir)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read grammar directory '%s': %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isGrammarFile(entry.Name()) {
				continue
			}
			filename := filepath.Join(dir, entry.Name())
			g, err := LoadGrammarFile(filename)
			if err != nil {
				return err
			}
			if err := addSource(sources, g, filename); err != nil {
				return err
			}
		}
	}

	extensions := make(map[string]string)
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, ext := range sources[name].grammar.Extensions {
			extensions[strings.ToLower(ext)] = name
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = sources
	c.extensions = extensions
	c.building = make(map[string]*tokenizer.TokenMarker)
	c.cache.Flush()
	c.interner.Reset()
	log.Infof("loaded %d modes", len(sources))
	return nil
}

func addSource(sources map[string]*source, g *GrammarFile, origin string) error {
	src := &source{grammar: g, origin: origin}
	if g.FirstLine != "" {
		re, err := regexp2.Compile(g.FirstLine, regexp2.None)
		if err != nil {
			return fmt.Errorf("grammar '%s' first_line: %w", g.Mode, err)
		}
		re.MatchTimeout = tokenizer.RegexpTimeout
		src.firstLine = re
	}
	if previous, ok := sources[g.Mode]; ok {
		log.Infof("mode %s from %s overrides %s", g.Mode, origin, previous.origin)
	}
	sources[g.Mode] = src
	return nil
}

func isGrammarFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Mode returns the compiled marker of the named mode.
func (c *Catalog) Mode(name string) (*tokenizer.TokenMarker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode(name)
}

// mode compiles a mode, or returns the cached or partly built marker. The
// caller holds c.mu.
func (c *Catalog) mode(name string) (*tokenizer.TokenMarker, error) {
	if cached, found := c.cache.Get(name); found {
		if tm, ok := cached.(*tokenizer.TokenMarker); ok {
			return tm, nil
		}
		log.Errorf("cache entry for mode %s has type %T", name, cached)
	}
	if tm, ok := c.building[name]; ok {
		return tm, nil
	}
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("'%s': %w", name, ErrUnknownMode)
	}

	b := NewBuilder(
		WithResolver(catalogResolver{c}),
		WithInterner(c.interner),
		withCreated(func(mode string, tm *tokenizer.TokenMarker) { c.building[mode] = tm }),
	)
	tm, err := b.Build(src.grammar)
	delete(c.building, name)
	if err != nil {
		// Modes built during this call may hold rule sets of the failed one.
		c.cache.Flush()
		return nil, fmt.Errorf("%s: %w", src.origin, err)
	}
	c.cache.Set(name, tm, gocache.DefaultExpiration)
	log.Infof("compiled mode %s from %s", name, src.origin)
	return tm, nil
}

type catalogResolver struct {
	c *Catalog
}

func (r catalogResolver) ResolveRuleSet(mode, set string) (*tokenizer.RuleSet, error) {
	tm, err := r.c.mode(mode)
	if err != nil {
		return nil, err
	}
	if rs := tm.RuleSet(set); rs != nil {
		return rs, nil
	}
	return nil, fmt.Errorf("'%s::%s': %w", mode, set, ErrUnknownRuleSet)
}

// ModeForFile picks a mode by the file's extension, or by its full base name
// for extension-less files such as "Makefile".
func (c *Catalog) ModeForFile(filename string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := strings.ToLower(filepath.Base(filename))
	if mode, ok := c.extensions[strings.ToLower(filepath.Ext(base))]; ok {
		return mode, nil
	}
	if mode, ok := c.extensions[base]; ok {
		return mode, nil
	}
	return "", fmt.Errorf("no mode for file '%s': %w", filename, ErrUnknownMode)
}

// ModeForFirstLine picks a mode whose first_line pattern matches line.
func (c *Catalog) ModeForFirstLine(line string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.modeNames() {
		re := c.sources[name].firstLine
		if re == nil {
			continue
		}
		if ok, err := re.MatchString(line); err == nil && ok {
			return name, true
		}
	}
	return "", false
}

// Modes returns the names of all known modes, sorted.
func (c *Catalog) Modes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modeNames()
}

func (c *Catalog) modeNames() []string {
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Grammar returns the grammar file of the named mode.
func (c *Catalog) Grammar(name string) (*GrammarFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("'%s': %w", name, ErrUnknownMode)
	}
	return src.grammar, nil
}

// Origin returns where the named mode was loaded from.
func (c *Catalog) Origin(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src, ok := c.sources[name]; ok {
		return src.origin
	}
	return ""
}

// Interner returns the intern table shared by every mode of the catalog.
func (c *Catalog) Interner() *tokenizer.Interner {
	return c.interner
}

func (c *Catalog) Dirs() []string {
	return c.dirs
}
