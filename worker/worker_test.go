package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bosley/speaktotext/proc"
	"github.com/bosley/speaktotext/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	res  *proc.Result
	err  error
	inv proc.Invocation
}

func (f *fakeRunner) Run(_ context.Context, inv proc.Invocation) (*proc.Result, error) {
	f.inv = inv
	if inv.OnStderrLine != nil {
		inv.OnStderrLine("loading model")
	}
	return f.res, f.err
}

const okOutput = `{"result":{"segments":[{"timestamp":"00:00","text":"hello","start":0,"end":1.5}],"full_text":"hello","diarization_status":"skipped"},"language":"en"}`

func newTestDispatcher(r *fakeRunner) *Dispatcher {
	return &Dispatcher{Command: "stt-worker", CredentialEnv: "HF_TOKEN", Runner: r}
}

func TestTranscribeSuccess(t *testing.T) {
	r := &fakeRunner{res: &proc.Result{Stdout: []byte(okOutput + "\n")}}
	d := newTestDispatcher(r)

	out, err := d.Transcribe(context.Background(), Request{
		AudioPath:  "/tmp/a.wav",
		Model:      "base",
		JobID:      "job-1",
		Credential: "hf_secretsecret123",
		Timeout:    time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "en", out.Language)
	assert.Equal(t, "hello", out.Result.FullText)
	assert.Equal(t, transcript.DiarizationSkipped, out.Result.DiarizationStatus)

	assert.Equal(t, "stt-worker", r.inv.Name)
	assert.Equal(t, []string{"--audio", "/tmp/a.wav", "--model", "base", "--job-id", "job-1"}, r.inv.Args)
	assert.Equal(t, []string{"HF_TOKEN=hf_secretsecret123"}, r.inv.Env)
	assert.Equal(t, time.Minute, r.inv.Timeout)
	for _, a := range r.inv.Args {
		assert.NotContains(t, a, "secret", "credential must never reach argv")
	}
}

func TestTranscribeNoCredential(t *testing.T) {
	r := &fakeRunner{res: &proc.Result{Stdout: []byte(okOutput)}}
	d := newTestDispatcher(r)
	d.Args = []string{"worker"}

	_, err := d.Transcribe(context.Background(), Request{AudioPath: "a.wav", Model: "tiny"})
	require.NoError(t, err)
	assert.Empty(t, r.inv.Env)
	assert.Equal(t, []string{"worker", "--audio", "a.wav", "--model", "tiny"}, r.inv.Args)
}

func TestTranscribeTimeout(t *testing.T) {
	r := &fakeRunner{err: &proc.TimeoutError{Name: "stt-worker", Timeout: 5 * time.Minute}}
	_, err := newTestDispatcher(r).Transcribe(context.Background(), Request{Model: "small"})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "small", te.Model)
	assert.Equal(t, "transcription timed out after 5m0s (model small)", te.Error())
}

func TestTranscribeFailures(t *testing.T) {
	cases := []struct {
		name    string
		res     *proc.Result
		err     error
		want    string
		notWant string
	}{
		{
			name: "exit with json error",
			res:  &proc.Result{Stdout: []byte(`{"error":"cannot read /home/me/secret/a.wav"}`), ExitCode: 1},
			err:  &proc.ExitError{Name: "stt-worker", ExitCode: 1},
			want: "cannot read <path>", notWant: "/home/me",
		},
		{
			name: "exit with stderr only",
			res:  &proc.Result{ExitCode: 2},
			err:  &proc.ExitError{Name: "stt-worker", ExitCode: 2, Stderr: "Traceback\nRuntimeError: token hf_abcdefghijkl rejected"},
			want: "RuntimeError", notWant: "hf_abcdefghijkl",
		},
		{
			name: "not found",
			err:  fmt.Errorf("stt-worker: %w", proc.ErrNotFound),
			want: "worker executable not found",
		},
		{
			name: "empty stdout",
			res:  &proc.Result{},
			want: "no output",
		},
		{
			name: "two documents",
			res:  &proc.Result{Stdout: []byte(okOutput + okOutput)},
			want: "more than one JSON document",
		},
		{
			name: "not json",
			res:  &proc.Result{Stdout: []byte("Detected language: English")},
			want: "invalid worker output",
		},
		{
			name: "missing result",
			res:  &proc.Result{Stdout: []byte(`{"language":"en"}`)},
			want: "missing result",
		},
		{
			name: "bad diarization status",
			res:  &proc.Result{Stdout: []byte(`{"result":{"segments":[],"full_text":"","diarization_status":"maybe"}}`)},
			want: "unknown diarization status",
		},
		{
			name: "inverted segment",
			res:  &proc.Result{Stdout: []byte(`{"result":{"segments":[{"text":"x","start":3,"end":1}],"full_text":"x","diarization_status":"skipped"}}`)},
			want: "ends before it starts",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRunner{res: tc.res, err: tc.err}
			_, err := newTestDispatcher(r).Transcribe(context.Background(), Request{Model: "base", Credential: "hf_abcdefghijkl"})

			var fe *FailureError
			require.ErrorAs(t, err, &fe)
			assert.Contains(t, fe.Message, tc.want)
			if tc.notWant != "" {
				assert.NotContains(t, fe.Message, tc.notWant)
			}
			assert.LessOrEqual(t, len(fe.Message), MaxMessageLength)
		})
	}
}

func TestTranscribeCancelled(t *testing.T) {
	r := &fakeRunner{err: context.Canceled}
	_, err := newTestDispatcher(r).Transcribe(context.Background(), Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"failed to open /var/tmp/stt-abc/audio.wav: denied", "failed to open <path>: denied"},
		{"file '/Users/me/x.mp3' missing", "file '<path>' missing"},
		{`C:\Users\me\a.wav not found`, "<path> not found"},
		{"fetch https://example.com/a.mp3 failed", "fetch https://example.com/a.mp3 failed"},
		{"Authorization: Bearer abc.def-ghi", "Authorization: <redacted>"},
		{"token=hunter2 rejected", "token=<redacted> rejected"},
		{"bad hf_AbCdEfGh12345678", "bad <redacted>"},
		{"key 0123456789abcdef0123456789abcdef used", "key <redacted> used"},
		{"ratio 1/2 ok", "ratio 1/2 ok"},
		{"cannot read '/home/alice/Music/my song.wav'", "cannot read '<path>'"},
		{`open "/tmp/a b/c.wav": no such file`, `open "<path>": no such file`},
		{`ffmpeg: 'C:\Users\me\My Music\a.wav' invalid`, "ffmpeg: '<path>' invalid"},
		{"fetch file:///home/alice/x.wav failed", "fetch <path> failed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Sanitize(tc.in), tc.in)
	}

	assert.Equal(t, "secret <redacted> leaked", Sanitize("secret opensesame leaked", "opensesame"))
}

func TestSanitizeTruncates(t *testing.T) {
	long := strings.Repeat("é", 400)
	out := Sanitize(long)
	assert.LessOrEqual(t, len(out), MaxMessageLength)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.True(t, strings.HasPrefix(out, "é"))
}
