package kurir

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Action is what a policy decision does with a matching request.
type Action int

const (
	ActionDeny Action = iota
	ActionAllow
	// ActionTransform allows the request after rewriting the matched prefix.
	ActionTransform
)

func (a Action) String() string {
	switch a {
	case ActionDeny:
		return "deny"
	case ActionAllow:
		return "allow"
	case ActionTransform:
		return "transform"
	default:
		return "unknown"
	}
}

// ParseAction converts a case-insensitive action name.
func ParseAction(name string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deny":
		return ActionDeny, nil
	case "allow":
		return ActionAllow, nil
	case "transform":
		return ActionTransform, nil
	default:
		return ActionDeny, fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, name)
	}
}

// Decision is the outcome attached to a route prefix.
type Decision struct {
	Action Action
	// Operations restricts which operations the decision permits. Empty permits all.
	Operations []Operation
	// Bucket overrides the throttle bucket of matching requests.
	Bucket string
	// TTL overrides the cache lifetime of matching results when positive.
	TTL time.Duration
	// Rewrite is the replacement prefix for ActionTransform.
	Rewrite string
	// Header is added to outgoing requests.
	Header http.Header
	Reason string
}

// Permits reports whether the decision lets method through.
func (d Decision) Permits(method string) bool {
	if d.Action == ActionDeny {
		return false
	}
	if len(d.Operations) == 0 {
		return true
	}
	return slices.Contains(d.Operations, OperationForMethod(method))
}

func (d Decision) clone() Decision {
	d.Operations = slices.Clone(d.Operations)
	d.Header = d.Header.Clone()
	return d
}

func (d Decision) validate() error {
	if d.Action < ActionDeny || d.Action > ActionTransform {
		return fmt.Errorf("%w: unknown action %d", ErrInvalidPolicy, d.Action)
	}
	if d.Action == ActionTransform {
		if d.Rewrite == "" {
			return fmt.Errorf("%w: transform without rewrite target", ErrInvalidPolicy)
		}
		if _, err := Canonicalize(d.Rewrite); err != nil {
			return fmt.Errorf("%w: rewrite target: %w", ErrInvalidPolicy, err)
		}
	}
	if d.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidPolicy)
	}
	return nil
}

// RouteEntry binds a prefix to a decision.
type RouteEntry struct {
	Prefix   string
	Decision Decision
}

// Resolution is the result of resolving an identifier.
type Resolution struct {
	Decision Decision
	// Prefix is the canonical prefix that matched; empty when the default applied.
	Prefix string
	// Matched is false when no entry matched and the default decision was used.
	Matched bool
	// Depth is the number of identifier segments covered by Prefix.
	Depth int
}

// Rewrite applies a transform decision to id: the matched segments are
// replaced by the decision's Rewrite prefix and the result is canonicalized.
// Non-transform resolutions return id unchanged.
func (r Resolution) Rewrite(id Identifier) (Identifier, error) {
	if r.Decision.Action != ActionTransform {
		return id, nil
	}

	segs, query, trailing := splitIdentifier(string(id))
	rest := segs[min(r.Depth, len(segs)):]

	var b strings.Builder
	b.WriteString(strings.TrimRight(r.Decision.Rewrite, "/"))
	for _, s := range rest {
		b.WriteByte('/')
		b.WriteString(s)
	}
	if trailing {
		b.WriteByte('/')
	}
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return Canonicalize(b.String())
}

type trieNode struct {
	children map[string]*trieNode
	decision *Decision
	prefix   string
}

func (n *trieNode) clone() *trieNode {
	if n == nil {
		return &trieNode{children: map[string]*trieNode{}}
	}
	c := &trieNode{
		children: make(map[string]*trieNode, len(n.children)+1),
		decision: n.decision,
		prefix:   n.prefix,
	}
	for k, v := range n.children {
		c.children[k] = v
	}
	return c
}

// PolicyTrie maps identifier prefixes to decisions. The deepest matching
// prefix wins. Reads are lock-free against an immutable snapshot; writers
// path-copy under a mutex and publish a new root atomically.
type PolicyTrie struct {
	root     atomic.Pointer[trieNode]
	mu       sync.Mutex
	fallback Decision
}

// PolicyOption configures a PolicyTrie.
type PolicyOption func(*PolicyTrie)

// WithDefaultDecision sets the decision used when nothing matches.
func WithDefaultDecision(d Decision) PolicyOption {
	return func(t *PolicyTrie) { t.fallback = d.clone() }
}

// NewPolicyTrie returns an empty trie whose default decision is deny.
func NewPolicyTrie(opts ...PolicyOption) *PolicyTrie {
	t := &PolicyTrie{
		fallback: Decision{Action: ActionDeny, Reason: "no matching policy"},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.root.Store(&trieNode{children: map[string]*trieNode{}})
	return t
}

// Insert binds prefix to d, replacing any decision already bound to the same
// canonical prefix. The empty prefix is the root and matches everything.
func (t *PolicyTrie) Insert(prefix string, d Decision) error {
	segs, canon, err := policySegments(prefix)
	if err != nil {
		return err
	}
	if err := d.validate(); err != nil {
		return fmt.Errorf("prefix %q: %w", prefix, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.Store(insertNode(t.root.Load(), segs, canon, d.clone()))
	return nil
}

// Remove deletes the decision bound to prefix. Removing an absent prefix is a no-op.
func (t *PolicyTrie) Remove(prefix string) error {
	segs, _, err := policySegments(prefix)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	root, removed := removeNode(t.root.Load(), segs)
	if !removed {
		return nil
	}
	if root == nil {
		root = &trieNode{children: map[string]*trieNode{}}
	}
	t.root.Store(root)
	return nil
}

// Replace swaps the whole table for entries. Either every entry is valid and
// the new table is published at once, or the trie is left untouched.
func (t *PolicyTrie) Replace(entries []RouteEntry) error {
	root := &trieNode{children: map[string]*trieNode{}}
	for _, e := range entries {
		segs, canon, err := policySegments(e.Prefix)
		if err != nil {
			return err
		}
		if err := e.Decision.validate(); err != nil {
			return fmt.Errorf("prefix %q: %w", e.Prefix, err)
		}
		root = insertNode(root, segs, canon, e.Decision.clone())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.Store(root)
	return nil
}

// Resolve returns the decision of the deepest prefix covering id, or the
// default decision when none does. It never blocks.
func (t *PolicyTrie) Resolve(id Identifier) Resolution {
	n := t.root.Load()
	res := Resolution{Decision: t.fallback.clone()}
	if n.decision != nil {
		res = Resolution{Decision: n.decision.clone(), Prefix: n.prefix, Matched: true}
	}

	segs, _, _ := splitIdentifier(string(id))
	for depth, seg := range segs {
		n = n.children[seg]
		if n == nil {
			break
		}
		if n.decision != nil {
			res = Resolution{Decision: n.decision.clone(), Prefix: n.prefix, Matched: true, Depth: depth + 1}
		}
	}
	return res
}

// Entries lists the bound prefixes in lexical order.
func (t *PolicyTrie) Entries() []RouteEntry {
	var out []RouteEntry
	var walk func(*trieNode)
	walk = func(n *trieNode) {
		if n.decision != nil {
			out = append(out, RouteEntry{Prefix: n.prefix, Decision: n.decision.clone()})
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root.Load())

	slices.SortFunc(out, func(a, b RouteEntry) int { return strings.Compare(a.Prefix, b.Prefix) })
	return out
}

// Len returns the number of bound prefixes.
func (t *PolicyTrie) Len() int {
	var count func(*trieNode) int
	count = func(n *trieNode) int {
		c := 0
		if n.decision != nil {
			c++
		}
		for _, child := range n.children {
			c += count(child)
		}
		return c
	}
	return count(t.root.Load())
}

// Default returns the decision applied when no prefix matches.
func (t *PolicyTrie) Default() Decision { return t.fallback.clone() }

func insertNode(n *trieNode, segs []string, prefix string, d Decision) *trieNode {
	c := n.clone()
	if len(segs) == 0 {
		c.decision = &d
		c.prefix = prefix
		return c
	}
	c.children[segs[0]] = insertNode(c.children[segs[0]], segs[1:], prefix, d)
	return c
}

// removeNode returns the replacement for n, nil when it became empty.
func removeNode(n *trieNode, segs []string) (*trieNode, bool) {
	if n == nil {
		return nil, false
	}
	if len(segs) == 0 {
		if n.decision == nil {
			return n, false
		}
		if len(n.children) == 0 {
			return nil, true
		}
		c := n.clone()
		c.decision, c.prefix = nil, ""
		return c, true
	}

	child, ok := n.children[segs[0]]
	if !ok {
		return n, false
	}
	next, removed := removeNode(child, segs[1:])
	if !removed {
		return n, false
	}

	c := n.clone()
	if next == nil {
		delete(c.children, segs[0])
	} else {
		c.children[segs[0]] = next
	}
	if c.decision == nil && len(c.children) == 0 {
		return nil, true
	}
	return c, true
}

// policySegments canonicalizes a route prefix and splits it into trie segments.
func policySegments(prefix string) ([]string, string, error) {
	if strings.TrimSpace(prefix) == "" {
		return nil, "", nil
	}
	id, err := Canonicalize(prefix)
	if err != nil {
		return nil, "", fmt.Errorf("%w: prefix %q: %w", ErrInvalidPolicy, prefix, err)
	}
	segs, _, _ := splitIdentifier(string(id))
	return segs, string(id), nil
}

// splitIdentifier breaks a canonical identifier into its authority segment
// (absolute URLs only) and path segments. The query is returned separately.
func splitIdentifier(id string) (segs []string, query string, trailing bool) {
	id, query, _ = strings.Cut(id, "?")

	rest := id
	if i := strings.Index(id, "://"); i > 0 && !strings.HasPrefix(id, "/") {
		authEnd := strings.IndexByte(id[i+3:], '/')
		if authEnd < 0 {
			return []string{id}, query, false
		}
		segs = append(segs, id[:i+3+authEnd])
		rest = id[i+3+authEnd:]
	}

	trailing = len(rest) > 1 && strings.HasSuffix(rest, "/")
	for s := range strings.SplitSeq(rest, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs, query, trailing
}
