package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentplane/agentplane/internal/arch"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/session/store"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// archFake is the architecture tag the fake adapter registers under.
const archFake = v1.Architecture("fake")

func init() {
	arch.Register(archFake, func(sb sandbox.Sandbox, sessionID string) arch.Adapter {
		return &fakeAdapter{sb: sb, sessionID: sessionID}
	})
}

// fakeQueryScript holds the StreamEvents the next ExecuteQuery emits. The
// registry constructs adapters internally, so tests script the output at
// package level.
var fakeQueryScript struct {
	mu     sync.Mutex
	events []v1.StreamEvent
	err    error
}

func setFakeQuery(events []v1.StreamEvent, err error) {
	fakeQueryScript.mu.Lock()
	defer fakeQueryScript.mu.Unlock()
	fakeQueryScript.events = events
	fakeQueryScript.err = err
}

// fakeAdapter treats the main transcript as newline-separated assistant
// texts, one block per line.
type fakeAdapter struct {
	sb        sandbox.Sandbox
	sessionID string
}

func (a *fakeAdapter) Architecture() v1.Architecture { return archFake }

func (a *fakeAdapter) Paths() arch.Paths {
	return arch.Paths{
		AgentStorageDir:      "/root/.fake/transcripts",
		WorkspaceDir:         "/workspace",
		ProfileDir:           "/root/.fake",
		MainInstructionsFile: "/workspace/INSTRUCTIONS.md",
	}
}

func (a *fakeAdapter) IdentifyTranscriptFile(file arch.TranscriptFile) *arch.TranscriptClass {
	name := file.FileName
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == a.sessionID+".txt" {
		return &arch.TranscriptClass{IsMain: true}
	}
	if strings.HasPrefix(name, "sub-") && strings.HasSuffix(name, ".txt") {
		return &arch.TranscriptClass{SubagentID: strings.TrimSuffix(name, ".txt")}
	}
	return nil
}

func (a *fakeAdapter) SetupAgentProfile(ctx context.Context, profile *v1.AgentProfile) error {
	return nil
}

func (a *fakeAdapter) SetupSessionTranscripts(ctx context.Context, transcripts arch.SessionTranscripts) error {
	return nil
}

func (a *fakeAdapter) ReadSessionTranscripts(ctx context.Context) (*arch.SessionTranscripts, error) {
	return &arch.SessionTranscripts{}, nil
}

func (a *fakeAdapter) ExecuteQuery(ctx context.Context, req arch.QueryRequest) (*arch.QueryStream, error) {
	fakeQueryScript.mu.Lock()
	events := fakeQueryScript.events
	err := fakeQueryScript.err
	fakeQueryScript.mu.Unlock()
	if err != nil {
		return nil, err
	}

	stream := arch.NewQueryStream()
	go func() {
		for _, ev := range events {
			stream.Emit(ev)
		}
		stream.CloseWith(nil)
	}()
	return stream, nil
}

func (a *fakeAdapter) ParseTranscripts(mainRaw string, subagents []v1.SubagentTranscript) arch.ParseResult {
	var result arch.ParseResult
	result.Blocks = fakeParseLines(mainRaw)
	for _, sub := range subagents {
		blocks := fakeParseLines(sub.Content)
		if len(blocks) <= 1 {
			continue
		}
		result.Subagents = append(result.Subagents, arch.ParsedSubagent{ID: sub.ID, Blocks: blocks})
	}
	return result
}

func fakeParseLines(raw string) []v1.Block {
	var blocks []v1.Block
	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		blocks = append(blocks, v1.Block{
			ID:      fmt.Sprintf("line-%d", i),
			Type:    v1.BlockTypeAssistantText,
			Content: line,
		})
	}
	return blocks
}

// fakeSandbox records calls and lets tests drive watcher callbacks and poll
// results.
type fakeSandbox struct {
	mu sync.Mutex

	id         string
	files      map[string]string
	pollResult *int
	pollErr    error
	terminated bool

	workspaceCB  sandbox.WatchCallback
	transcriptCB sandbox.WatchCallback
	watchErr     error
}

func newFakeSandbox(id string) *fakeSandbox {
	return &fakeSandbox{id: id, files: make(map[string]string)}
}

func (f *fakeSandbox) GetID() string { return f.id }

func (f *fakeSandbox) GetBasePaths() sandbox.BasePaths { return sandbox.DefaultBasePaths }

func (f *fakeSandbox) Exec(ctx context.Context, argv []string) (sandbox.Process, error) {
	return nil, fmt.Errorf("fake sandbox does not exec")
}

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, nil
	}
	return &content, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeSandbox) WriteFiles(ctx context.Context, files []sandbox.WriteRequest) (*sandbox.WriteResult, error) {
	result := &sandbox.WriteResult{}
	for _, file := range files {
		_ = f.WriteFile(ctx, file.Path, file.Content)
		result.Success = append(result.Success, file.Path)
	}
	return result, nil
}

func (f *fakeSandbox) CreateDirectory(ctx context.Context, path string) error { return nil }

func (f *fakeSandbox) ListFiles(ctx context.Context, dir, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for path := range f.files {
		if strings.HasPrefix(path, dir+"/") {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (f *fakeSandbox) Watch(ctx context.Context, path string, callback sandbox.WatchCallback) (sandbox.StopWatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	if strings.Contains(path, "transcript") {
		f.transcriptCB = callback
	} else {
		f.workspaceCB = callback
	}
	return func() {}, nil
}

func (f *fakeSandbox) Poll(ctx context.Context) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollResult, f.pollErr
}

func (f *fakeSandbox) Terminate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeSandbox) setPollResult(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollResult = &code
}

func (f *fakeSandbox) fireWorkspaceChange(change sandbox.FileChange) {
	f.mu.Lock()
	cb := f.workspaceCB
	f.mu.Unlock()
	if cb != nil {
		cb(change)
	}
}

func (f *fakeSandbox) fireTranscriptChange(change sandbox.FileChange) {
	f.mu.Lock()
	cb := f.transcriptCB
	f.mu.Unlock()
	if cb != nil {
		cb(change)
	}
}

// fakeProvider hands out fakeSandboxes and records creations.
type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	created   []*fakeSandbox
	calls     int
}

func (p *fakeProvider) Create(ctx context.Context, sessionID string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.createErr != nil {
		return nil, p.createErr
	}
	sb := newFakeSandbox("sbx-" + sessionID)
	p.created = append(p.created, sb)
	return sb, nil
}

func (p *fakeProvider) createCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastSandbox() *fakeSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*v1.SessionRecord
	transcripts map[string]map[string]string
	files       map[string]map[string]v1.WorkspaceFile
	profiles    map[string]*v1.AgentProfile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     make(map[string]*v1.SessionRecord),
		transcripts: make(map[string]map[string]string),
		files:       make(map[string]map[string]v1.WorkspaceFile),
		profiles:    make(map[string]*v1.AgentProfile),
	}
}

func (s *fakeStore) CreateSessionRecord(ctx context.Context, record *v1.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.SessionID]; exists {
		return nil
	}
	clone := *record
	s.records[record.SessionID] = &clone
	return nil
}

func (s *fakeStore) UpdateSessionRecord(ctx context.Context, sessionID string, patch store.RecordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if patch.LastActivity {
		record.LastActivity = time.Now().UTC()
	}
	if patch.SessionOptions != nil {
		record.SessionOptions = patch.SessionOptions
	}
	return nil
}

func (s *fakeStore) LoadSession(ctx context.Context, sessionID string) (*v1.PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	persisted := &v1.PersistedSession{Record: *record}
	for subagentID, content := range s.transcripts[sessionID] {
		if subagentID == "" {
			persisted.MainTranscript = content
		} else {
			persisted.Subagents = append(persisted.Subagents, v1.SubagentTranscript{ID: subagentID, Content: content})
		}
	}
	for _, file := range s.files[sessionID] {
		persisted.WorkspaceFiles = append(persisted.WorkspaceFiles, file)
	}
	return persisted, nil
}

func (s *fakeStore) ListAllSessions(ctx context.Context) ([]*v1.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*v1.SessionRecord
	for _, record := range s.records {
		clone := *record
		records = append(records, &clone)
	}
	return records, nil
}

func (s *fakeStore) SaveTranscript(ctx context.Context, sessionID, subagentID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcripts[sessionID] == nil {
		s.transcripts[sessionID] = make(map[string]string)
	}
	s.transcripts[sessionID][subagentID] = content
	return nil
}

func (s *fakeStore) SaveWorkspaceFile(ctx context.Context, sessionID string, file v1.WorkspaceFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[sessionID] == nil {
		s.files[sessionID] = make(map[string]v1.WorkspaceFile)
	}
	s.files[sessionID][file.Path] = file
	return nil
}

func (s *fakeStore) DeleteWorkspaceFile(ctx context.Context, sessionID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files[sessionID], path)
	return nil
}

func (s *fakeStore) DestroySessionRecord(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	delete(s.transcripts, sessionID)
	delete(s.files, sessionID)
	return nil
}

func (s *fakeStore) SaveAgentProfile(ctx context.Context, profile *v1.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.Identifier] = profile
	return nil
}

func (s *fakeStore) LoadAgentProfile(ctx context.Context, identifier string) (*v1.AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	return profile, nil
}

func (s *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)
var _ sandbox.Sandbox = (*fakeSandbox)(nil)
var _ sandbox.Provider = (*fakeProvider)(nil)
