// Package ast defines the parsed-program tree handed to the runtime by
// the external front end. The analyzer emits the tree as JSON; this
// package is the Go side of that contract.
package ast

import (
	"encoding/json"
	"fmt"
)

// LibType classifies a library reference resolved by the front end.
type LibType string

const (
	LibSource LibType = "source"
	LibCore   LibType = "core"
	LibBytes  LibType = "bytes"
	LibGithub LibType = "github"
	LibVirus  LibType = "virus"
	LibVira   LibType = "vira"
)

// LibRef is a resolved library dependency.
type LibRef struct {
	Type    LibType `json:"lib_type"`
	Name    string  `json:"name"`
	Version *string `json:"version"`
}

// CommandKind discriminates the statement variants of the language.
// The values match the front end's wire tags exactly.
type CommandKind string

const (
	KindRawNoSub    CommandKind = "RawNoSub"
	KindRawSub      CommandKind = "RawSub"
	KindIsolated    CommandKind = "Isolated"
	KindAssignEnv   CommandKind = "AssignEnv"
	KindAssignLocal CommandKind = "AssignLocal"
	KindLoop        CommandKind = "Loop"
	KindIf          CommandKind = "If"
	KindElif        CommandKind = "Elif"
	KindElse        CommandKind = "Else"
	KindWhile       CommandKind = "While"
	KindFor         CommandKind = "For"
	KindBackground  CommandKind = "Background"
	KindCall        CommandKind = "Call"
	KindPlugin      CommandKind = "Plugin"
	KindLog         CommandKind = "Log"
	KindLock        CommandKind = "Lock"
	KindUnlock      CommandKind = "Unlock"
	KindExtern      CommandKind = "Extern"
	KindEnum        CommandKind = "Enum"
	KindImport      CommandKind = "Import"
	KindStruct      CommandKind = "Struct"
	KindTry         CommandKind = "Try"
	KindEnd         CommandKind = "End"
	KindOut         CommandKind = "Out"
	KindConst       CommandKind = "Const"
	KindSpawn       CommandKind = "Spawn"
	KindAwait       CommandKind = "Await"
	KindAssignSpawn CommandKind = "AssignSpawn"
	KindAssignAwait CommandKind = "AssignAwait"
	KindAssert      CommandKind = "Assert"
	KindMatch       CommandKind = "Match"
	KindMatchArm    CommandKind = "MatchArm"
	KindPipe        CommandKind = "Pipe"
)

// Command is one statement variant. Only the fields relevant to Kind
// are populated; the rest stay zero.
type Command struct {
	Kind CommandKind

	// Text carries the single-string payload of RawNoSub, RawSub,
	// Isolated, Background, Log, Out, Spawn and Await.
	Text string

	Key   string
	Val   string
	IsRaw bool

	Count uint64
	Cond  string
	Cmd   string

	Var string
	In  string

	Path string
	Args string

	Name    string
	IsSuper bool

	TryCmd   string
	CatchCmd string

	Code int

	Msg *string

	Task string
	Expr string

	Resource  string
	Namespace *string

	StaticLink bool

	Variants []string
	Fields   [][2]string

	Steps []string
}

// wireCommand is the externally-tagged JSON envelope used by the front end.
type wireCommand struct {
	Type CommandKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the front end's tagged representation
// ({"type": ..., "data": ...}) into the flat Command struct.
func (c *Command) UnmarshalJSON(b []byte) error {
	var w wireCommand
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("ast: command envelope: %w", err)
	}
	c.Kind = w.Type

	switch w.Type {
	case KindRawNoSub, KindRawSub, KindIsolated, KindBackground,
		KindLog, KindOut, KindSpawn, KindAwait:
		return json.Unmarshal(w.Data, &c.Text)

	case KindAssignEnv, KindConst, KindLock:
		var d struct {
			Key string `json:"key"`
			Val string `json:"val"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Key, c.Val = d.Key, d.Val
		return nil

	case KindAssignLocal:
		var d struct {
			Key   string `json:"key"`
			Val   string `json:"val"`
			IsRaw bool   `json:"is_raw"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Key, c.Val, c.IsRaw = d.Key, d.Val, d.IsRaw
		return nil

	case KindUnlock:
		var d struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Key = d.Key
		return nil

	case KindLoop:
		var d struct {
			Count uint64 `json:"count"`
			Cmd   string `json:"cmd"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Count, c.Cmd = d.Count, d.Cmd
		return nil

	case KindIf, KindElif, KindWhile:
		var d struct {
			Cond string `json:"cond"`
			Cmd  string `json:"cmd"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Cond, c.Cmd = d.Cond, d.Cmd
		return nil

	case KindElse:
		var d struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Cmd = d.Cmd
		return nil

	case KindFor:
		var d struct {
			Var string `json:"var"`
			In  string `json:"in_"`
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Var, c.In, c.Cmd = d.Var, d.In, d.Cmd
		return nil

	case KindCall:
		var d struct {
			Path string `json:"path"`
			Args string `json:"args"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Path, c.Args = d.Path, d.Args
		return nil

	case KindPlugin:
		var d struct {
			Name    string `json:"name"`
			Args    string `json:"args"`
			IsSuper bool   `json:"is_super"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Name, c.Args, c.IsSuper = d.Name, d.Args, d.IsSuper
		return nil

	case KindExtern:
		var d struct {
			Path       string `json:"path"`
			StaticLink bool   `json:"static_link"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Path, c.StaticLink = d.Path, d.StaticLink
		return nil

	case KindEnum:
		var d struct {
			Name     string   `json:"name"`
			Variants []string `json:"variants"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Name, c.Variants = d.Name, d.Variants
		return nil

	case KindImport:
		var d struct {
			Resource  string  `json:"resource"`
			Namespace *string `json:"namespace"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Resource, c.Namespace = d.Resource, d.Namespace
		return nil

	case KindStruct:
		var d struct {
			Name   string      `json:"name"`
			Fields [][2]string `json:"fields"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Name, c.Fields = d.Name, d.Fields
		return nil

	case KindTry:
		var d struct {
			TryCmd   string `json:"try_cmd"`
			CatchCmd string `json:"catch_cmd"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.TryCmd, c.CatchCmd = d.TryCmd, d.CatchCmd
		return nil

	case KindEnd:
		var d struct {
			Code int `json:"code"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Code = d.Code
		return nil

	case KindAssignSpawn:
		var d struct {
			Key  string `json:"key"`
			Task string `json:"task"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Key, c.Task = d.Key, d.Task
		return nil

	case KindAssignAwait:
		var d struct {
			Key  string `json:"key"`
			Expr string `json:"expr"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Key, c.Expr = d.Key, d.Expr
		return nil

	case KindAssert:
		var d struct {
			Cond string  `json:"cond"`
			Msg  *string `json:"msg"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Cond, c.Msg = d.Cond, d.Msg
		return nil

	case KindMatch:
		var d struct {
			Cond string `json:"cond"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Cond = d.Cond
		return nil

	case KindMatchArm:
		var d struct {
			Val string `json:"val"`
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return err
		}
		c.Val, c.Cmd = d.Val, d.Cmd
		return nil

	case KindPipe:
		return json.Unmarshal(w.Data, &c.Steps)
	}

	return fmt.Errorf("ast: unknown command type %q", w.Type)
}

// Node is one statement with its source position metadata.
type Node struct {
	LineNum      int     `json:"line_num"`
	IsSudo       bool    `json:"is_sudo"`
	Content      Command `json:"content"`
	OriginalText string  `json:"original_text"`
	Span         [2]int  `json:"span"`
}

// Function is a named function body together with the front end's
// analysis results for it.
type Function struct {
	Unsafe    bool
	Signature *string
	Body      []Node
}

// UnmarshalJSON decodes the front end's 3-tuple encoding
// [is_unsafe, signature, nodes].
func (f *Function) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("ast: function triple: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("ast: function triple has %d elements, want 3", len(raw))
	}
	if err := json.Unmarshal(raw[0], &f.Unsafe); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &f.Signature); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &f.Body)
}

// AnalysisResult is the complete front-end output for one source file.
type AnalysisResult struct {
	Deps              []string            `json:"deps"`
	Libs              []LibRef            `json:"libs"`
	Functions         map[string]Function `json:"functions"`
	MainBody          []Node              `json:"main_body"`
	PotentiallyUnsafe bool                `json:"is_potentially_unsafe"`
	SafetyWarnings    []string            `json:"safety_warnings"`
}

// Decode parses an AnalysisResult from the analyzer's JSON output.
func Decode(data []byte) (*AnalysisResult, error) {
	var r AnalysisResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ast: decode analysis result: %w", err)
	}
	return &r, nil
}
