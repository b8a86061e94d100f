// Package toolsurface implements the Tool Surface: the named, typed
// operations the engine exposes. These operations are served over the MCP
// session multiplexer only; the REST mount (internal/server) does not route
// to them and covers account management and sandbox create/list/delete.
package toolsurface

import (
	"context"
	"fmt"

	"github.com/agentserver/sandboxd/internal/coordinator"
	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// Surface is the public contract, one method per named operation.
type Surface struct {
	coord *coordinator.Coordinator
}

// New constructs a Tool Surface over a Coordinator.
func New(coord *coordinator.Coordinator) *Surface {
	return &Surface{coord: coord}
}

// CreateSandboxArgs are the validated arguments to create_sandbox.
type CreateSandboxArgs struct {
	Name string `json:"name,omitempty"`
}

func (a CreateSandboxArgs) Validate() error { return nil }

// CreateSandboxResult is the create_sandbox response.
type CreateSandboxResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func (s *Surface) CreateSandbox(ctx context.Context, user *identity.User, args CreateSandboxArgs) (*CreateSandboxResult, error) {
	sbx, err := s.coord.CreateSandbox(ctx, user, args.Name)
	if err != nil {
		return nil, err
	}
	return &CreateSandboxResult{ID: sbx.ID, Name: sbx.Name, CreatedAt: sbx.CreatedAt.Format(timeLayout)}, nil
}

// SandboxSummary is a single entry in list_sandboxes.
type SandboxSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// ListSandboxesResult is the list_sandboxes response.
type ListSandboxesResult struct {
	Sandboxes []SandboxSummary `json:"sandboxes"`
}

func (s *Surface) ListSandboxes(user *identity.User) (*ListSandboxesResult, error) {
	all, err := s.coord.ListSandboxes(user)
	if err != nil {
		return nil, err
	}
	out := make([]SandboxSummary, 0, len(all))
	for _, sbx := range all {
		out = append(out, SandboxSummary{ID: sbx.ID, Name: sbx.Name, CreatedAt: sbx.CreatedAt.Format(timeLayout)})
	}
	return &ListSandboxesResult{Sandboxes: out}, nil
}

// DeleteSandboxResult is the delete_sandbox response.
type DeleteSandboxResult struct {
	OK bool `json:"ok"`
}

func (s *Surface) DeleteSandbox(ctx context.Context, user *identity.User, sandboxID string) (*DeleteSandboxResult, error) {
	if sandboxID == "" {
		return nil, fmt.Errorf("sandbox_id is required: %w", sandboxerr.ErrInvalidArgument)
	}
	if err := s.coord.DeleteSandbox(ctx, user, sandboxID); err != nil {
		return nil, err
	}
	return &DeleteSandboxResult{OK: true}, nil
}

// ExecutePythonCodeArgs are the validated arguments to execute_python_code.
type ExecutePythonCodeArgs struct {
	SandboxID string `json:"sandbox_id"`
	Code      string `json:"code"`
}

func (a ExecutePythonCodeArgs) Validate() error {
	if a.SandboxID == "" || a.Code == "" {
		return fmt.Errorf("sandbox_id and code are required: %w", sandboxerr.ErrInvalidArgument)
	}
	return nil
}

// ExecutePythonCodeResult is the execute_python_code response.
type ExecutePythonCodeResult struct {
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	FileLinks []string `json:"file_links"`
}

func (s *Surface) ExecutePythonCode(ctx context.Context, user *identity.User, args ExecutePythonCodeArgs) (*ExecutePythonCodeResult, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	res, err := s.coord.ExecuteCode(ctx, user, args.SandboxID, args.Code)
	if err != nil {
		return nil, err
	}
	links := res.FileLinks
	if links == nil {
		links = []string{}
	}
	return &ExecutePythonCodeResult{Stdout: res.Stdout, Stderr: res.Stderr, FileLinks: links}, nil
}

// InstallPackageArgs are the validated arguments to install_package_in_sandbox.
type InstallPackageArgs struct {
	SandboxID   string `json:"sandbox_id"`
	PackageName string `json:"package_name"`
}

func (a InstallPackageArgs) Validate() error {
	if a.SandboxID == "" || a.PackageName == "" {
		return fmt.Errorf("sandbox_id and package_name are required: %w", sandboxerr.ErrInvalidArgument)
	}
	return nil
}

// InstallPackageResult is the install_package_in_sandbox response.
type InstallPackageResult struct {
	Status   string `json:"status"`
	RecordID string `json:"record_id"`
}

func (s *Surface) InstallPackageInSandbox(ctx context.Context, user *identity.User, args InstallPackageArgs) (*InstallPackageResult, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	out, err := s.coord.InstallPackage(ctx, user, args.SandboxID, args.PackageName)
	if err != nil {
		return nil, err
	}
	return &InstallPackageResult{Status: out.Status, RecordID: out.RecordID}, nil
}

// CheckPackageStatusResult is the check_package_installation_status response.
type CheckPackageStatusResult struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

func (s *Surface) CheckPackageInstallationStatus(user *identity.User, args InstallPackageArgs) (*CheckPackageStatusResult, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	record, err := s.coord.CheckPackageStatus(user, args.SandboxID, args.PackageName)
	if err != nil {
		return nil, err
	}
	detail := record.StdoutTail
	if record.StderrTail != "" {
		detail = detail + "\n" + record.StderrTail
	}
	return &CheckPackageStatusResult{Status: string(record.Status), Detail: detail}, nil
}

// ExecuteTerminalArgs are the validated arguments to execute_terminal_command.
type ExecuteTerminalArgs struct {
	SandboxID string `json:"sandbox_id"`
	Command   string `json:"command"`
}

func (a ExecuteTerminalArgs) Validate() error {
	if a.SandboxID == "" || a.Command == "" {
		return fmt.Errorf("sandbox_id and command are required: %w", sandboxerr.ErrInvalidArgument)
	}
	return nil
}

// ExecuteTerminalResult is the execute_terminal_command response.
type ExecuteTerminalResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (s *Surface) ExecuteTerminalCommand(ctx context.Context, user *identity.User, args ExecuteTerminalArgs) (*ExecuteTerminalResult, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	res, err := s.coord.ExecuteTerminal(ctx, user, args.SandboxID, args.Command)
	if err != nil {
		return nil, err
	}
	return &ExecuteTerminalResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// UploadFileArgs are the validated arguments to upload_file_to_sandbox.
// The file content is passed separately as raw bytes: the MCP mount decodes
// it from a base64 "data_base64" parameter, and the Tool Surface itself only
// ever sees already-read bytes.
type UploadFileArgs struct {
	SandboxID string `json:"sandbox_id"`
	DestPath  string `json:"dest_path,omitempty"`
}

func (a UploadFileArgs) Validate() error {
	if a.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required: %w", sandboxerr.ErrInvalidArgument)
	}
	return nil
}

// UploadFileResult is the upload_file_to_sandbox response.
type UploadFileResult struct {
	PathInContainer string `json:"path_in_container"`
}

func (s *Surface) UploadFileToSandbox(ctx context.Context, user *identity.User, args UploadFileArgs, data []byte) (*UploadFileResult, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	path, err := s.coord.UploadFile(ctx, user, args.SandboxID, data, args.DestPath)
	if err != nil {
		return nil, err
	}
	return &UploadFileResult{PathInContainer: path}, nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
