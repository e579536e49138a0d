package procrun

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"
)

// DefaultBlockedCommands lists program names that are never allowed to run.
// Interactive tools hang a headless agent; the rest are destructive or
// escalate privileges.
var DefaultBlockedCommands = []string{
	"vi",
	"vim",
	"nvim",
	"nano",
	"emacs",
	"less",
	"more",
	"top",
	"htop",
	"sudo",
	"su",
	"doas",
	"reboot",
	"shutdown",
	"halt",
	"poweroff",
	"mkfs",
}

// DefaultBlockedPatterns lists substrings of a command line that block it
// regardless of which program appears first.
var DefaultBlockedPatterns = []string{
	"rm -rf /",
	"rm -fr /",
	"rm -rf ~",
	"dd if=",
	"of=/dev/",
	"> /dev/sd",
	"git push --force",
	"git push -f",
	"npm publish",
	"cargo publish",
	"gem push",
	"twine upload",
	"goreleaser release",
}

// Blocklist decides which commands the runner may spawn.
// Checks happen before any process is created.
type Blocklist struct {
	mu       sync.RWMutex
	commands map[string]struct{}
	patterns []string
}

// policyFile represents the command policy section of a config file.
type policyFile struct {
	Blocked struct {
		Commands []string `yaml:"commands"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"blocked"`
	Allowed struct {
		Commands []string `yaml:"commands"`
	} `yaml:"allowed"`
}

// NewBlocklist creates a blocklist seeded with the default rules.
func NewBlocklist() *Blocklist {
	b := &Blocklist{
		commands: make(map[string]struct{}, len(DefaultBlockedCommands)),
		patterns: append([]string{}, DefaultBlockedPatterns...),
	}
	for _, c := range DefaultBlockedCommands {
		b.commands[c] = struct{}{}
	}
	return b
}

// Check returns a *BlockedError when the line matches a rule, nil otherwise.
func (b *Blocklist) Check(line string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	normalized := strings.Join(strings.Fields(line), " ")

	for _, p := range b.patterns {
		if strings.Contains(normalized, p) {
			return &BlockedError{Command: line, Rule: p}
		}
	}

	// A shell line can chain several commands; check the program name
	// that starts every segment.
	for _, seg := range splitSegments(normalized) {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		name := filepath.Base(fields[0])
		if _, blocked := b.commands[name]; blocked {
			return &BlockedError{Command: line, Rule: name}
		}
	}
	return nil
}

// BlockCommand adds a program name to the blocklist.
func (b *Blocklist) BlockCommand(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[name] = struct{}{}
}

// BlockPattern adds a command-line substring to the blocklist.
func (b *Blocklist) BlockPattern(pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, pattern)
}

// AllowCommand removes a program name from the blocklist.
func (b *Blocklist) AllowCommand(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.commands, name)
}

// LoadPolicy merges blocklist rules from a YAML policy file.
func (b *Blocklist) LoadPolicy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range pf.Blocked.Commands {
		b.commands[c] = struct{}{}
	}
	b.patterns = append(b.patterns, pf.Blocked.Patterns...)
	for _, c := range pf.Allowed.Commands {
		delete(b.commands, c)
	}
	return nil
}

// splitSegments breaks a shell line on command separators.
func splitSegments(line string) []string {
	seps := []string{"&&", "||", ";", "|"}
	segments := []string{line}
	for _, sep := range seps {
		var next []string
		for _, seg := range segments {
			next = append(next, strings.Split(seg, sep)...)
		}
		segments = next
	}
	return segments
}
