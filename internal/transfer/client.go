// Package transfer defines the TransferClient/RemoteTransfer collaborator
// (spec §2 #6, §6), with a default sandboxed-CLI adapter in
// internal/transfer/docker.
package transfer

import "context"

// ProgressFunc receives bytes-transferred-so-far and the total size (0 if
// unknown). It may be called from a transport goroutine and must never
// block — callers forward it straight onto the UI-update scheduler.
type ProgressFunc func(bytesDone, totalBytes int64)

// FileInfo is the remote drive's view of an object.
type FileInfo struct {
	Size int64
}

// UploadRequest is one file destined for the remote drive.
type UploadRequest struct {
	TaskID    string
	LocalPath string
	Name      string
	User      string
}

// UploadResult is UploadRequest's outcome, keyed back to TaskID so batched
// results can be routed to the right caller.
type UploadResult struct {
	TaskID  string
	Success bool
	Err     error
}

// Client is the TransferClient collaborator: downloads from the configured
// source and uploads to the configured remote drive.
type Client interface {
	// Download fetches the task's source media to localPath, invoking
	// progress as bytes arrive.
	Download(ctx context.Context, taskID, sourceRef, localPath string, progress ProgressFunc) error

	// GetRemoteFileInfo looks up an existing object by name, used by the
	// sec-transfer shortcut and the post-upload verify step. A nil,nil
	// return means the object does not exist.
	GetRemoteFileInfo(ctx context.Context, name, user, kind string) (*FileInfo, error)

	// UploadFile uploads a single local file, invoking progress as bytes
	// are sent.
	UploadFile(ctx context.Context, req UploadRequest, progress ProgressFunc) UploadResult

	// UploadBatch uploads several files that the UploadBatcher has
	// coalesced into one transfer-tool invocation. Every request's result
	// is present exactly once in the returned slice, in no particular
	// order.
	UploadBatch(ctx context.Context, reqs []UploadRequest, progress ProgressFunc) []UploadResult
}
