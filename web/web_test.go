package web

import (
	"image/png"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/cifar10cnn/img"
	"github.com/jnb666/cifar10cnn/nnet"
)

func newRunner(t *testing.T) *Runner {
	conf := nnet.DefaultConfig()
	conf.MaxEpoch = 1
	train := img.Synthetic(100, img.CIFAR10Classes, 1)
	test := img.Synthetic(20, img.CIFAR10Classes, 2)
	run, err := NewRunner(conf, t.TempDir(), train, test)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func newServer(t *testing.T, run *Runner, auth *AuthMiddleware) (*httptest.Server, *http.Client) {
	r, err := NewRouter(run, auth)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return srv, &http.Client{Jar: jar}
}

func get(t *testing.T, client *http.Client, url string, status int) string {
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != status {
		t.Fatalf("GET %s: got status %d expecting %d", url, resp.StatusCode, status)
	}
	return string(body)
}

func TestPages(t *testing.T) {
	run := newRunner(t)
	srv, client := newServer(t, run, nil)
	tests := map[string]string{
		"/":                `<iframe id="stats"`,
		"/stats":           "val accuracy",
		"/report":          "No results available",
		"/config":          `name="MaxEpoch" value="1"`,
		"/images/test/":    "page 1 of 1 (20 total)",
		"/images/train/":   "page 1 of 2 (100 total)",
		"/img/test/20":     "\x89PNG",
		"/img/test/1?ch=r": "\x89PNG",
	}
	for path, expect := range tests {
		body := get(t, client, srv.URL+path, http.StatusOK)
		if !strings.Contains(body, expect) {
			t.Errorf("GET %s: expecting %q in response", path, expect)
		}
	}
	for _, path := range []string{"/img/test/0", "/img/test/21", "/images/valid/", "/plots/" + ConfigFile, "/plots/confusion_matrix.png"} {
		get(t, client, srv.URL+path, http.StatusNotFound)
	}
}

func TestImageOptions(t *testing.T) {
	run := newRunner(t)
	srv, client := newServer(t, run, nil)
	body := get(t, client, srv.URL+"/images/train/next", http.StatusOK)
	if !strings.Contains(body, "page 2 of 2") {
		t.Error("expecting second page", body)
	}
	body = get(t, client, srv.URL+"/images/train/next", http.StatusOK)
	if !strings.Contains(body, "page 1 of 2") {
		t.Error("expecting wrap around to first page")
	}
	// no predictions yet so there are no errors to show
	body = get(t, client, srv.URL+"/images/test/errors", http.StatusOK)
	if !strings.Contains(body, "(0 misclassified)") {
		t.Error("expecting empty errors page")
	}
	body = get(t, client, srv.URL+"/images/test/all", http.StatusOK)
	if !strings.Contains(body, "(20 total)") {
		t.Error("expecting all images")
	}
}

func TestTrainRun(t *testing.T) {
	run := newRunner(t)
	srv, client := newServer(t, run, nil)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	for deadline := time.Now().Add(5 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		run.Lock()
		ok := run.conn != nil
		run.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("websocket connection not registered")
		}
	}
	get(t, client, srv.URL+"/train/start", http.StatusOK)
	var msgs []string
	ws.SetReadDeadline(time.Now().Add(5 * time.Minute))
	for len(msgs) == 0 || msgs[len(msgs)-1] != "done" {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, string(msg))
	}
	t.Log("websocket messages:", msgs)
	if len(msgs) != 2 || msgs[0] != "epoch:1" {
		t.Error("unexpected websocket messages", msgs)
	}
	run.Wait()
	if run.Err != nil || run.Result == nil || run.Result.State != nnet.Completed {
		t.Fatal("training run failed", run.Err)
	}

	body := get(t, client, srv.URL+"/report", http.StatusOK)
	for _, expect := range []string{"precision", "weighted avg", `class="diag"`, "/plots/training_history.png"} {
		if !strings.Contains(body, expect) {
			t.Errorf("report: expecting %q", expect)
		}
	}
	body = get(t, client, srv.URL+"/stats", http.StatusOK)
	if !strings.Contains(body, "completed after 1 epochs") || !strings.Contains(body, "<svg") ||
		!strings.Contains(body, "epoch time: ") {
		t.Error("stats page should show final result and plots")
	}
	resp, err := client.Get(srv.URL + "/plots/confusion_matrix.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if _, err = png.DecodeConfig(resp.Body); err != nil {
		t.Error("invalid confusion matrix image:", err)
	}
	errors := 0
	for i, p := range run.Result.Pred {
		if p != run.Data["test"].Labels[i] {
			errors++
		}
	}
	body = get(t, client, srv.URL+"/images/test/errors", http.StatusOK)
	if !strings.Contains(body, "misclassified") || strings.Count(body, `<img class="pixelated"`) != errors {
		t.Errorf("expecting %d misclassified images", errors)
	}
}

func TestConfig(t *testing.T) {
	run := newRunner(t)
	srv, client := newServer(t, run, nil)
	form := url.Values{}
	for _, f := range getFields(run.Conf) {
		form.Set(f.Name, f.Value)
	}
	form.Set("MaxEpoch", "5")
	form.Set("Shuffle", "false")
	resp, err := client.PostForm(srv.URL+"/config/save", form)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if run.Conf.MaxEpoch != 5 || run.Conf.Shuffle {
		t.Error("config not updated", run.Conf.MaxEpoch, run.Conf.Shuffle)
	}
	conf, err := nnet.LoadConfig(filepath.Join(run.OutDir, ConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	if conf.MaxEpoch != 5 || len(conf.Layers) != len(run.Conf.Layers) {
		t.Error("saved config mismatch")
	}

	form.Set("Eta", "fast")
	resp, err = client.PostForm(srv.URL+"/config/save", form)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	body := get(t, client, srv.URL+"/config", http.StatusOK)
	if !strings.Contains(body, "invalid syntax") || run.Conf.Eta != 0.001 {
		t.Error("expecting invalid field error")
	}

	get(t, client, srv.URL+"/config/reset", http.StatusOK)
	if run.Conf.MaxEpoch != 10 || !run.Conf.Shuffle {
		t.Error("config not reset")
	}
}

func TestAuth(t *testing.T) {
	run := newRunner(t)
	auth := NewAuthMiddleware("user", "secret")
	srv, client := newServer(t, run, &auth)
	get(t, client, srv.URL+"/config", http.StatusUnauthorized)

	req, _ := http.NewRequest("GET", srv.URL+"/config", nil)
	req.SetBasicAuth("user", "wrong")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Error("expecting wrong password to be rejected")
	}

	req.SetBasicAuth("user", "secret")
	if resp, err = client.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Error("login failed", resp.StatusCode)
	}
	// session cookie is now set
	get(t, client, srv.URL+"/config", http.StatusOK)
}
