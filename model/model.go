package model

import (
	"time"

	"github.com/google/uuid"
)

// Engine identifies the transform engine a codemod is written for.
type Engine string

const (
	EngineJSCodeshift Engine = "jscodeshift"
	EngineTSMorph     Engine = "ts-morph"
	EngineAstGrep     Engine = "ast-grep"
)

var validEngines = map[Engine]struct{}{
	EngineJSCodeshift: {},
	EngineTSMorph:     {},
	EngineAstGrep:     {},
}

func IsValidEngine(e string) bool {
	_, ok := validEngines[Engine(e)]
	return ok
}

// ArgumentRecord holds named codemod parameters. Values are strings, numbers or booleans.
type ArgumentRecord map[string]interface{}

// Job represents a single codemod run against one repository.
type Job struct {
	ID         uuid.UUID      `db:"id" json:"id" msgpack:"id"`
	Engine     Engine         `db:"codemod_engine" json:"codemodEngine" msgpack:"engine"`
	Name       string         `db:"codemod_name" json:"codemodName" msgpack:"name"`
	SourceHash string         `db:"source_hash" json:"sourceHash" msgpack:"sourceHash"`
	Args       ArgumentRecord `db:"codemod_args" json:"codemodArgs,omitempty" msgpack:"args"`
	RepoURL    string         `db:"repo_url" json:"repoUrl" msgpack:"repoUrl"`
	Branch     string         `db:"branch" json:"branch" msgpack:"branch"`
	UserID     string         `db:"user_id" json:"userId" msgpack:"userId"`
	Persistent bool           `db:"persistent" json:"persistent" msgpack:"persistent"`
	// DisablePrettier skips formatting of transformed files in the sandbox.
	DisablePrettier bool       `db:"disable_prettier" json:"disablePrettier,omitempty" msgpack:"disablePrettier,omitempty"`
	CreationTime    *time.Time `db:"creation_time" json:"creationTime" msgpack:"creationTime"`
}

// JobState is the lifecycle state recorded in the status store.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobInProgress JobState = "in_progress"
	JobSuccess    JobState = "success"
	JobErrored    JobState = "errored"

	// JobNotFound is only reported to clients, never stored.
	JobNotFound JobState = "error"
)

func (s JobState) IsTerminal() bool {
	return s == JobSuccess || s == JobErrored
}

// FileOutcome records what happened to one file of the target repository.
type FileOutcome struct {
	Path       string `json:"path" msgpack:"path"`
	Modified   bool   `json:"modified" msgpack:"modified"`
	Error      string `json:"error,omitempty" msgpack:"error,omitempty"`
	ObjectPath string `json:"objectPath,omitempty" msgpack:"objectPath,omitempty"`
}

// Status is the value stored under job-<id>::status.
type Status struct {
	Status  JobState      `json:"status" msgpack:"status"`
	Message string        `json:"message,omitempty" msgpack:"message,omitempty"`
	Result  string        `json:"result,omitempty" msgpack:"result,omitempty"`
	Files   []FileOutcome `json:"files,omitempty" msgpack:"files,omitempty"`
	// Persistent results are never consumed by an output read. Carried forward by every write.
	Persistent bool `json:"-" msgpack:"persistent,omitempty"`
}

func NotFoundStatus() Status {
	return Status{Status: JobNotFound, Message: "Job not found"}
}

// StatusEntry is one element of a status or output response.
type StatusEntry struct {
	JobID string `json:"jobId"`
	Status
}

// CodemodRequest describes one codemod of a run submission.
type CodemodRequest struct {
	Engine Engine         `json:"engine"`
	Name   string         `json:"name"`
	Source string         `json:"source"`
	Args   ArgumentRecord `json:"args,omitempty"`
}

// RunRequest is the incoming POST /codemodRun payload.
type RunRequest struct {
	Codemods   []CodemodRequest `json:"codemods"`
	RepoURL    string           `json:"repoUrl"`
	Branch     string           `json:"branch"`
	Persistent bool             `json:"persistent"`
	// DisablePrettier applies to every codemod of the request.
	DisablePrettier bool `json:"disablePrettier"`
}

type SubmittedJob struct {
	JobID       string `json:"jobId"`
	CodemodName string `json:"codemodName"`
}

type RunResponse struct {
	Success bool           `json:"success"`
	Data    []SubmittedJob `json:"data"`
}

type StatusResponse struct {
	Success bool          `json:"success"`
	Data    []StatusEntry `json:"data"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorText string `json:"errorText,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
