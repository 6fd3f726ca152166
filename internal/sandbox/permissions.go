package sandbox

import (
	"fmt"
	"net/url"
	"strings"
)

// PermissionEngine maps operation names to capability classes and checks
// them against an agent's PermissionSet. Unknown operations are denied.
type PermissionEngine struct {
	patterns *regexCache
}

// NewPermissionEngine creates a permission engine.
func NewPermissionEngine() *PermissionEngine {
	return &PermissionEngine{patterns: newRegexCache()}
}

// ValidateOperation checks the request against the permission set,
// returning ErrPermissionDenied with a reason on failure.
func (e *PermissionEngine) ValidateOperation(req *Request, perms *PermissionSet) error {
	switch req.Operation {
	case "file_read", "file_list":
		if !perms.allowsFileOp(FileRead) {
			return fmt.Errorf("%w: file read operations not permitted", ErrPermissionDenied)
		}
		return checkPath(req, perms)
	case "file_write", "file_create", "file_modify":
		if !perms.allowsFileOp(FileWrite) {
			return fmt.Errorf("%w: file write operations not permitted", ErrPermissionDenied)
		}
		return checkPath(req, perms)
	case "file_delete", "file_move":
		if !perms.allowsFileOp(FileDelete) {
			return fmt.Errorf("%w: file deletion operations not permitted", ErrPermissionDenied)
		}
		return checkPath(req, perms)
	case "execute_command":
		return e.checkCommand(req, perms)
	case "network_request":
		return e.checkNetwork(req, perms)
	case "create_workflow":
		if !perms.Workflow.CanCreate {
			return fmt.Errorf("%w: workflow creation not permitted", ErrPermissionDenied)
		}
	case "modify_workflow":
		if !perms.Workflow.CanModify {
			return fmt.Errorf("%w: workflow modification not permitted", ErrPermissionDenied)
		}
	case "execute_workflow":
		return e.checkWorkflowExecution(req, perms)
	default:
		// Fail closed on operations outside the known set.
		return fmt.Errorf("%w: unknown operation %q", ErrPermissionDenied, req.Operation)
	}
	return nil
}

// checkCommand resolves the actual command from parameters and matches it
// against the explicitly allowed command list. An empty list means the
// level places no permission-stage restriction; the command filter still
// applies.
func (e *PermissionEngine) checkCommand(req *Request, perms *PermissionSet) error {
	if len(perms.AllowedCommands) == 0 {
		return nil
	}
	command := req.commandParam()
	for _, cp := range perms.AllowedCommands {
		if matchPattern(command, cp.Pattern, e.patterns) {
			return nil
		}
	}
	return fmt.Errorf("%w: command %q is not in the allowed list", ErrPermissionDenied, command)
}

// checkPath matches the request's path parameter against the forbidden
// path patterns.
func checkPath(req *Request, perms *PermissionSet) error {
	path, ok := req.Parameters["path"].(string)
	if !ok || path == "" {
		return nil
	}
	for _, pr := range perms.ForbiddenPaths {
		if matchPathPattern(path, pr.Pattern) {
			return fmt.Errorf("%w: path %q is forbidden: %s", ErrPermissionDenied, path, pr.Reason)
		}
	}
	return nil
}

// matchPathPattern matches glob-style path patterns where '*' crosses
// directory separators, so "/etc/*" covers the whole subtree.
func matchPathPattern(path, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return path == pattern
	}
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

func (e *PermissionEngine) checkNetwork(req *Request, perms *PermissionSet) error {
	switch perms.NetworkAccess {
	case NetworkDenied:
		return fmt.Errorf("%w: network access not permitted", ErrPermissionDenied)
	case NetworkInternalOnly:
		target, _ := req.Parameters["url"].(string)
		if !isInternalURL(target) {
			return fmt.Errorf("%w: only internal network targets permitted, got %q", ErrPermissionDenied, target)
		}
	}
	// AllowedWithMonitoring and Unrestricted always pass here; the engine
	// decides monitoring separately.
	return nil
}

func (e *PermissionEngine) checkWorkflowExecution(req *Request, perms *PermissionSet) error {
	if !perms.Workflow.CanExecute {
		return fmt.Errorf("%w: workflow execution not permitted", ErrPermissionDenied)
	}
	if wt, ok := req.Parameters["workflow_type"].(string); ok {
		for _, restricted := range perms.Workflow.RestrictedTypes {
			if restricted == wt || restricted == "*" {
				return fmt.Errorf("%w: workflow type %q is restricted", ErrPermissionDenied, wt)
			}
		}
	}
	return nil
}

// isInternalURL reports whether the target looks private: loopback,
// RFC 1918 ranges, or a .local/.internal hostname.
func isInternalURL(target string) bool {
	if target == "" {
		return false
	}

	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)

	if host == "localhost" || host == "::1" {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}
	if strings.HasPrefix(host, "127.") || strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.") {
		return true
	}
	// 172.16.0.0/12
	if strings.HasPrefix(host, "172.") {
		parts := strings.SplitN(host, ".", 3)
		if len(parts) >= 2 {
			switch parts[1] {
			case "16", "17", "18", "19", "20", "21", "22", "23",
				"24", "25", "26", "27", "28", "29", "30", "31":
				return true
			}
		}
	}
	return false
}
