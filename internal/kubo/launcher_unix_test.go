//go:build !windows

package kubo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLaunch_CancelWithoutForceLeavesStubbornChild(t *testing.T) {
	requireUnix(t)
	bin := fakeIPFS(t, `echo $$ > "$IPFS_PATH/daemon.pid"; trap "" INT; exec sleep 30`)
	data := t.TempDir()
	l := &Launcher{Binary: bin, ReadyTimeout: 10 * time.Second, StopTimeout: 200 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	pidFile := filepath.Join(RepoPath(data), "daemon.pid")
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(pidFile); err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		// let the shell reach its trap
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := l.Launch(ctx, data, mustURL(t, "http://127.0.0.1:50019/api/v0"), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "still running")

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	var pid int
	_, err = fmt.Sscan(strings.TrimSpace(string(raw)), &pid)
	require.NoError(t, err)
	defer func() { _ = syscall.Kill(-pid, syscall.SIGKILL) }()
	require.NoError(t, syscall.Kill(pid, 0), "daemon was killed without force")
}
