// Package lsp serves the token kinds of open documents as LSP semantic
// tokens.
package lsp

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spicery/nutmeg-highlighter/pkg/document"
	"github.com/spicery/nutmeg-highlighter/pkg/grammar"
)

const Name = "nutmeg-highlighter"

var log = commonlog.GetLogger("nutmeg-highlighter.lsp")

const (
	AttrURI  = "lsp.uri"
	AttrMode = "lsp.mode"
)

type openDocument struct {
	mode    string
	version protocol.Integer
	buffer  *document.Buffer // nil when no mode matches
}

// Handler implements the language server methods on top of a grammar
// catalog.
type Handler struct {
	mu      sync.RWMutex
	catalog *grammar.Catalog
	docs    map[protocol.DocumentUri]*openDocument
	tracer  trace.Tracer
	version string
	ctx     context.Context
	handler protocol.Handler
}

type HandlerOption func(*Handler)

func WithTracer(t trace.Tracer) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.tracer = t
		}
	}
}

func WithVersion(v string) HandlerOption {
	return func(h *Handler) { h.version = v }
}

func NewHandler(catalog *grammar.Catalog, opts ...HandlerOption) *Handler {
	h := &Handler{
		catalog: catalog,
		docs:    make(map[protocol.DocumentUri]*openDocument),
		tracer:  otel.Tracer("nutmeg-highlighter/lsp"),
		version: "dev",
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.handler = protocol.Handler{
		Initialize:                     h.Initialize,
		Initialized:                    h.Initialized,
		Shutdown:                       h.Shutdown,
		SetTrace:                       h.SetTrace,
		TextDocumentDidOpen:            h.TextDocumentDidOpen,
		TextDocumentDidChange:          h.TextDocumentDidChange,
		TextDocumentDidClose:           h.TextDocumentDidClose,
		TextDocumentSemanticTokensFull: h.TextDocumentSemanticTokensFull,
	}
	return h
}

// Run serves the protocol over stdin and stdout until the client exits.
func (h *Handler) Run(ctx context.Context, debug bool) error {
	h.ctx = ctx
	s := server.NewServer(&h.handler, Name, debug)
	log.Info("starting language server")
	return s.RunStdio()
}

func (h *Handler) Initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	if params.ClientInfo != nil {
		log.Infof("initialize from %s", params.ClientInfo.Name)
	}
	return &protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: ptrBool(true),
				Change:    ptrSyncKind(protocol.TextDocumentSyncKindFull),
			},
			SemanticTokensProvider: &protocol.SemanticTokensOptions{
				Legend: protocol.SemanticTokensLegend{
					TokenTypes:     SemanticTokenTypes,
					TokenModifiers: SemanticTokenModifiers,
				},
				Full: ptrBool(true),
			},
		},
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &h.version,
		},
	}, nil
}

func (h *Handler) Initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (h *Handler) Shutdown(ctx *glsp.Context) error {
	log.Info("shutdown")
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (h *Handler) SetTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

func (h *Handler) TextDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	item := params.TextDocument
	doc := &openDocument{version: item.Version}

	mode, err := h.pickMode(item.URI, item.LanguageID, item.Text)
	if err != nil {
		log.Warningf("no highlighting for %s: %s", item.URI, err)
	} else {
		tm, err := h.catalog.Mode(mode)
		if err != nil {
			return fmt.Errorf("open %s: %w", item.URI, err)
		}
		doc.mode = mode
		doc.buffer = document.NewBuffer(tm, document.WithTracer(h.tracer))
		doc.buffer.SetText(item.Text)
	}
	log.Debugf("opened %s as mode %q", item.URI, doc.mode)

	h.mu.Lock()
	h.docs[item.URI] = doc
	h.mu.Unlock()
	return nil
}

func (h *Handler) pickMode(uri protocol.DocumentUri, languageID string, text string) (string, error) {
	if path, err := uriToPath(uri); err == nil {
		if mode, err := h.catalog.ModeForFile(path); err == nil {
			return mode, nil
		}
	}
	if _, err := h.catalog.Grammar(languageID); err == nil {
		return languageID, nil
	}
	first, _, _ := strings.Cut(text, "\n")
	if mode, ok := h.catalog.ModeForFirstLine(first); ok {
		return mode, nil
	}
	return "", fmt.Errorf("'%s': %w", uri, grammar.ErrUnknownMode)
}

func (h *Handler) TextDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	h.mu.Lock()
	doc := h.docs[params.TextDocument.URI]
	if doc != nil {
		doc.version = params.TextDocument.Version
	}
	h.mu.Unlock()
	if doc == nil {
		return fmt.Errorf("change to unopened document %s", params.TextDocument.URI)
	}
	if doc.buffer == nil {
		return nil
	}

	for _, change := range params.ContentChanges {
		var text string
		switch c := change.(type) {
		case protocol.TextDocumentContentChangeEventWhole:
			text = c.Text
		case *protocol.TextDocumentContentChangeEventWhole:
			text = c.Text
		case protocol.TextDocumentContentChangeEvent:
			text = applyRangeChange(doc.buffer.Lines(), c.Range, c.Text)
		case *protocol.TextDocumentContentChangeEvent:
			text = applyRangeChange(doc.buffer.Lines(), c.Range, c.Text)
		default:
			return fmt.Errorf("unsupported content change %T", change)
		}
		edit, err := doc.buffer.Update(text)
		if err != nil {
			return err
		}
		log.Debugf("%s: replaced %d lines at %d", params.TextDocument.URI, edit.Delete, edit.Start)
	}
	return nil
}

func (h *Handler) TextDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.docs, params.TextDocument.URI)
	return nil
}

func (h *Handler) TextDocumentSemanticTokensFull(ctx *glsp.Context, params *protocol.SemanticTokensParams) (*protocol.SemanticTokens, error) {
	uri := params.TextDocument.URI
	doc := h.document(uri)
	if doc == nil {
		return nil, fmt.Errorf("semantic tokens for unopened document %s", uri)
	}
	if doc.buffer == nil {
		return &protocol.SemanticTokens{Data: []protocol.UInteger{}}, nil
	}

	spanCtx, span := h.tracer.Start(h.ctx, "lsp.semanticTokens.full",
		trace.WithAttributes(attribute.String(AttrURI, uri), attribute.String(AttrMode, doc.mode)))
	defer span.End()

	if err := doc.buffer.Highlight(spanCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("highlight %s: %w", uri, err)
	}

	var tokens []SemanticToken
	for i := 0; i < doc.buffer.LineCount(); i++ {
		tokens = append(tokens, lineTokens(i, doc.buffer.Line(i), doc.buffer.Tokens(i))...)
	}
	span.SetStatus(codes.Ok, "")
	return &protocol.SemanticTokens{Data: encode(tokens)}, nil
}

func (h *Handler) document(uri protocol.DocumentUri) *openDocument {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.docs[uri]
}

// Version returns the version the client last reported for uri.
func (h *Handler) Version(uri protocol.DocumentUri) (protocol.Integer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	doc, ok := h.docs[uri]
	if !ok {
		return 0, false
	}
	return doc.version, true
}

// ReloadModes points every open document at the current marker of its mode.
// It is called after the catalog reloaded its grammars.
func (h *Handler) ReloadModes() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uri, doc := range h.docs {
		if doc.buffer == nil {
			continue
		}
		tm, err := h.catalog.Mode(doc.mode)
		if err != nil {
			log.Errorf("reloading mode %s for %s: %s", doc.mode, uri, err)
			continue
		}
		doc.buffer.SetMarker(tm)
	}
}

// applyRangeChange returns the text of lines with the range r, given in
// UTF-16 positions, replaced by text. A nil range replaces everything.
func applyRangeChange(lines []string, r *protocol.Range, text string) string {
	if r == nil {
		return text
	}
	start := runeOffset(lines, r.Start)
	end := runeOffset(lines, r.End)
	whole := []rune(strings.Join(lines, "\n"))
	if end < start {
		start, end = end, start
	}
	return string(whole[:start]) + text + string(whole[end:])
}

// runeOffset converts a position into a rune offset within the joined lines,
// clamping positions past the end of a line or of the document.
func runeOffset(lines []string, p protocol.Position) int {
	offset := 0
	line := int(p.Line)
	if line >= len(lines) {
		for _, l := range lines {
			offset += len([]rune(l)) + 1
		}
		return offset - 1
	}
	for _, l := range lines[:line] {
		offset += len([]rune(l)) + 1
	}
	units := 0
	for _, r := range lines[line] {
		if units >= int(p.Character) {
			break
		}
		units += max(utf16.RuneLen(r), 1)
		offset++
	}
	return offset
}

// Convert URI to platform-local file path
func uriToPath(rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("invalid URI %s: %w", rawURI, err)
	}
	path := u.Path
	if runtime.GOOS == "windows" && strings.HasPrefix(path, "/") && len(path) > 3 && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path), nil
}

func ptrBool(b bool) *bool {
	return &b
}

func ptrSyncKind(k protocol.TextDocumentSyncKind) *protocol.TextDocumentSyncKind {
	return &k
}
