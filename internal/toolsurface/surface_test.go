package toolsurface

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

func TestCreateSandboxArgsValidateAlwaysOK(t *testing.T) {
	assert.NoError(t, CreateSandboxArgs{}.Validate())
	assert.NoError(t, CreateSandboxArgs{Name: "scratch"}.Validate())
}

func TestExecutePythonCodeArgsValidate(t *testing.T) {
	tests := []struct {
		name    string
		args    ExecutePythonCodeArgs
		wantErr bool
	}{
		{"valid", ExecutePythonCodeArgs{SandboxID: "sbx-1", Code: "print(1)"}, false},
		{"missing sandbox id", ExecutePythonCodeArgs{Code: "print(1)"}, true},
		{"missing code", ExecutePythonCodeArgs{SandboxID: "sbx-1"}, true},
		{"both missing", ExecutePythonCodeArgs{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.args.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, sandboxerr.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInstallPackageArgsValidate(t *testing.T) {
	assert.NoError(t, InstallPackageArgs{SandboxID: "sbx-1", PackageName: "numpy"}.Validate())
	assert.ErrorIs(t, InstallPackageArgs{PackageName: "numpy"}.Validate(), sandboxerr.ErrInvalidArgument)
	assert.ErrorIs(t, InstallPackageArgs{SandboxID: "sbx-1"}.Validate(), sandboxerr.ErrInvalidArgument)
}

func TestExecuteTerminalArgsValidate(t *testing.T) {
	assert.NoError(t, ExecuteTerminalArgs{SandboxID: "sbx-1", Command: "ls"}.Validate())
	assert.ErrorIs(t, ExecuteTerminalArgs{Command: "ls"}.Validate(), sandboxerr.ErrInvalidArgument)
	assert.ErrorIs(t, ExecuteTerminalArgs{SandboxID: "sbx-1"}.Validate(), sandboxerr.ErrInvalidArgument)
}

func TestUploadFileArgsValidate(t *testing.T) {
	assert.NoError(t, UploadFileArgs{SandboxID: "sbx-1"}.Validate())
	assert.NoError(t, UploadFileArgs{SandboxID: "sbx-1", DestPath: "/app/data.csv"}.Validate())
	assert.ErrorIs(t, UploadFileArgs{}.Validate(), sandboxerr.ErrInvalidArgument)
}
