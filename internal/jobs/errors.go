package jobs

import "errors"

var (
	// ErrNotFound は指定されたジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrJobExists は同じIDのジョブが既に登録されている場合に返されます。
	ErrJobExists = errors.New("job already exists")
	// ErrStaleTransition は遷移元の状態が期待と異なる場合に返されます（遷移は行われません）。
	ErrStaleTransition = errors.New("stale job transition")
	// ErrInvalidJob は更新後のレコードが不変条件を満たさない場合に返されます。
	ErrInvalidJob = errors.New("invalid job record")
	// ErrJobTerminal は終了状態のジョブを更新しようとした場合に返されます。
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrJobActive は実行中・待機中のジョブを削除しようとした場合に返されます。
	ErrJobActive = errors.New("job is still active")

	// ErrAdmissionRejected は投入が受け付けられなかったことを表します。
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrQueueFull は待機キューが上限に達している場合に返されます。
	ErrQueueFull = errors.New("admission queue is full")
	// ErrPoolShutdown はワーカープールが停止済み、または停止処理中の場合に返されます。
	ErrPoolShutdown = errors.New("worker pool is shut down")
)
