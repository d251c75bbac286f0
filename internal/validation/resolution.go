package validation

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoResolutions means the submitted batch had nothing marked fixed.
var ErrNoResolutions = errors.New("no resolutions marked fixed")

// Batch is what the operator submits: every outstanding issue annotated with
// a proposed fix and a fixed marker. Only marked entries are forwarded to the
// pipeline. Entries address issues by their report coordinates, never by
// array position, because the report can be regenerated between fetches.
type Batch struct {
	TruncatedCodes []TruncatedFix `json:"truncated_codes"`
	OneToManyCode  []CodeChoice   `json:"one_to_many_code"`
	OneToManyName  []NameChoice   `json:"one_to_many_name"`
	MissingCodes   []MissingFill  `json:"missing_codes"`
}

type TruncatedFix struct {
	Code      string `json:"code"`
	FixedCode string `json:"fixed_code"`
	Fixed     bool   `json:"fixed"`
}

type CodeChoice struct {
	Code         string `json:"code"`
	SelectedName string `json:"selected_name"`
	Fixed        bool   `json:"fixed"`
}

type NameChoice struct {
	Name         string `json:"name"`
	SelectedCode string `json:"selected_code"`
	Fixed        bool   `json:"fixed"`
}

type MissingFill struct {
	File     string `json:"file"`
	Name     string `json:"name"`
	RowIndex int    `json:"row_index"`
	Code     string `json:"code"`
	Fixed    bool   `json:"fixed"`
}

// Resolutions is the document the pipeline consumes. The pipeline deletes it
// after applying, so it carries only confirmed fixes.
type Resolutions struct {
	TruncatedCodes []ResolvedTruncated `json:"truncated_codes"`
	OneToManyCode  []ResolvedCode      `json:"one_to_many_code"`
	OneToManyName  []ResolvedName      `json:"one_to_many_name"`
	MissingCodes   []ResolvedMissing   `json:"missing_codes"`
}

type ResolvedTruncated struct {
	Code      string `json:"code"`
	FixedCode string `json:"fixed_code"`
}

type ResolvedCode struct {
	Code         string `json:"code"`
	SelectedName string `json:"selected_name"`
}

type ResolvedName struct {
	Name         string `json:"name"`
	SelectedCode string `json:"selected_code"`
}

type ResolvedMissing struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	File     string `json:"file"`
	RowIndex int    `json:"row_index"`
}

func (r Resolutions) Count() int {
	return len(r.TruncatedCodes) + len(r.OneToManyCode) + len(r.OneToManyName) + len(r.MissingCodes)
}

// BuildResolutions filters a batch down to the entries marked fixed and
// validates each one. A batch with nothing marked returns ErrNoResolutions.
func BuildResolutions(batch Batch) (Resolutions, error) {
	var out Resolutions

	for i, fix := range batch.TruncatedCodes {
		if !fix.Fixed {
			continue
		}
		code := strings.TrimSpace(fix.Code)
		fixed := strings.TrimSpace(fix.FixedCode)
		if code == "" {
			return Resolutions{}, fmt.Errorf("truncated_codes[%d].code is required", i)
		}
		if len(fixed) != IdentifierLength {
			return Resolutions{}, fmt.Errorf("truncated_codes[%d].fixed_code must be %d characters", i, IdentifierLength)
		}
		out.TruncatedCodes = append(out.TruncatedCodes, ResolvedTruncated{Code: code, FixedCode: fixed})
	}

	for i, choice := range batch.OneToManyCode {
		if !choice.Fixed {
			continue
		}
		code := strings.TrimSpace(choice.Code)
		name := strings.TrimSpace(choice.SelectedName)
		if code == "" {
			return Resolutions{}, fmt.Errorf("one_to_many_code[%d].code is required", i)
		}
		if name == "" {
			return Resolutions{}, fmt.Errorf("one_to_many_code[%d].selected_name is required", i)
		}
		out.OneToManyCode = append(out.OneToManyCode, ResolvedCode{Code: code, SelectedName: name})
	}

	for i, choice := range batch.OneToManyName {
		if !choice.Fixed {
			continue
		}
		name := strings.TrimSpace(choice.Name)
		code := strings.TrimSpace(choice.SelectedCode)
		if name == "" {
			return Resolutions{}, fmt.Errorf("one_to_many_name[%d].name is required", i)
		}
		if code == "" {
			return Resolutions{}, fmt.Errorf("one_to_many_name[%d].selected_code is required", i)
		}
		out.OneToManyName = append(out.OneToManyName, ResolvedName{Name: name, SelectedCode: code})
	}

	for i, fill := range batch.MissingCodes {
		if !fill.Fixed {
			continue
		}
		name := strings.TrimSpace(fill.Name)
		file := strings.TrimSpace(fill.File)
		code := strings.TrimSpace(fill.Code)
		if name == "" {
			return Resolutions{}, fmt.Errorf("missing_codes[%d].name is required", i)
		}
		if file == "" {
			return Resolutions{}, fmt.Errorf("missing_codes[%d].file is required", i)
		}
		if len(code) != IdentifierLength {
			return Resolutions{}, fmt.Errorf("missing_codes[%d].code must be %d characters", i, IdentifierLength)
		}
		out.MissingCodes = append(out.MissingCodes, ResolvedMissing{
			Name:     name,
			Code:     code,
			File:     file,
			RowIndex: fill.RowIndex,
		})
	}

	if out.Count() == 0 {
		return Resolutions{}, ErrNoResolutions
	}
	return out, nil
}

// EncodeResolutions renders the document the pipeline reads, wrapped in its
// resolutions envelope.
func EncodeResolutions(resolutions Resolutions) ([]byte, error) {
	envelope := struct {
		Resolutions Resolutions `json:"resolutions"`
	}{Resolutions: resolutions}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode resolutions: %w", err)
	}
	return raw, nil
}

// BulkEntry is one "name,code" line from a bulk paste.
type BulkEntry struct {
	Name string
	Code string
}

// ParseBulkCodes parses pasted "name,code" lines. Blank lines are skipped;
// anything else malformed fails with its line number so the operator can fix
// the paste.
func ParseBulkCodes(input string) ([]BulkEntry, error) {
	var entries []BulkEntry
	for i, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		name, code, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"name,code\"", i+1)
		}
		name = strings.TrimSpace(name)
		code = strings.TrimSpace(code)
		if name == "" || code == "" {
			return nil, fmt.Errorf("line %d: name and code must be non-empty", i+1)
		}
		if len(code) != IdentifierLength {
			return nil, fmt.Errorf("line %d: code must be %d characters", i+1, IdentifierLength)
		}
		entries = append(entries, BulkEntry{Name: name, Code: code})
	}
	if len(entries) == 0 {
		return nil, errors.New("no \"name,code\" lines found")
	}
	return entries, nil
}

// MatchBulkCodes maps pasted entries onto the report's missing-code issues by
// exact name match. A name appearing in several files repairs every matching
// coordinate. Returns the fills plus the names that matched nothing.
func MatchBulkCodes(report *Report, entries []BulkEntry) ([]MissingFill, []string) {
	byName := make(map[string][]MissingCode, len(report.Issues.MissingCodes))
	for _, issue := range report.Issues.MissingCodes {
		byName[issue.Name] = append(byName[issue.Name], issue)
	}

	var fills []MissingFill
	var unmatched []string
	for _, entry := range entries {
		issues, ok := byName[entry.Name]
		if !ok {
			unmatched = append(unmatched, entry.Name)
			continue
		}
		for _, issue := range issues {
			fills = append(fills, MissingFill{
				File:     issue.File,
				Name:     issue.Name,
				RowIndex: issue.RowIndex,
				Code:     entry.Code,
				Fixed:    true,
			})
		}
	}
	return fills, unmatched
}

const maxGenerateAttempts = 100

var codeSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(IdentifierLength), nil)

// CodeGenerator issues synthetic numeric identifier codes. Codes are pairwise
// distinct for the generator's lifetime; callers scope one generator per
// resolution session.
type CodeGenerator struct {
	mu   sync.Mutex
	used map[string]struct{}
}

func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{used: make(map[string]struct{})}
}

func (g *CodeGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, codeSpace)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code := fmt.Sprintf("%0*d", IdentifierLength, n)
		if _, taken := g.used[code]; taken {
			continue
		}
		g.used[code] = struct{}{}
		return code, nil
	}
	return "", errors.New("generate code: exhausted attempts")
}

func (g *CodeGenerator) GenerateBatch(n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.New("count must be positive")
	}
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := g.Generate()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

const defaultSessionTTL = time.Hour

// CodeSessions keeps one generator per resolution session so repeated
// generation requests from the same operator screen never collide. Sessions
// are in-memory and expire after idling; losing one only resets uniqueness
// scoping, never data.
type CodeSessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*codeSession
}

type codeSession struct {
	generator *CodeGenerator
	lastUsed  time.Time
}

func NewCodeSessions(ttl time.Duration) *CodeSessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &CodeSessions{
		ttl:      ttl,
		sessions: make(map[string]*codeSession),
	}
}

// Generate returns n fresh codes scoped to the session token, minting a new
// token when none is supplied. The token is returned so the client can keep
// the session across requests.
func (s *CodeSessions) Generate(session string, n int) (string, []string, error) {
	session = strings.TrimSpace(session)

	s.mu.Lock()
	now := time.Now()
	for token, entry := range s.sessions {
		if now.Sub(entry.lastUsed) > s.ttl {
			delete(s.sessions, token)
		}
	}
	if session == "" {
		session = uuid.NewString()
	}
	entry, ok := s.sessions[session]
	if !ok {
		entry = &codeSession{generator: NewCodeGenerator()}
		s.sessions[session] = entry
	}
	entry.lastUsed = now
	s.mu.Unlock()

	codes, err := entry.generator.GenerateBatch(n)
	if err != nil {
		return "", nil, err
	}
	return session, codes, nil
}
