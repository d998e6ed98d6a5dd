package uploader

import "testing"

func TestSessionResumable(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusIdle, true},
		{StatusUploading, true},
		{StatusPaused, true},
		{StatusError, true},
		{StatusCompleted, false},
	}
	for _, c := range cases {
		sess := &Session{Status: c.status}
		if got := sess.Resumable(); got != c.want {
			t.Errorf("状态 %s: Resumable 期望 %v, 得到 %v", c.status, c.want, got)
		}
	}
}
