// Command playprobe plays one or more streams headlessly, zapping from one to
// the next the way a viewer switches channels, and prints one JSON result per
// stream.
//
//	playprobe -kind live http://panel:8080/live/user/pass/55.ts
//	playprobe -host panel:8080 -user u -pass p -kind live 55 56 57
//	playprobe -host panel:8080 -user u -pass p -api get_live_categories
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"iptv-playback/internal/check"
	"iptv-playback/internal/platform/config"
	"iptv-playback/internal/platform/logger"
	"iptv-playback/internal/platform/upstream"
	"iptv-playback/internal/playback"
	"iptv-playback/internal/probe"
	"iptv-playback/internal/relay"
	"iptv-playback/internal/xtream"
)

func main() {
	_ = config.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	kind      string
	container string
	relay     string
	caps      string
	timeout   time.Duration
	logLevel  string
	host      string
	user      string
	pass      string
	api       string
}

func parseFlags(args []string, stderr io.Writer) (options, []string, error) {
	play := config.LoadPlayback()
	var o options
	fs := flag.NewFlagSet("playprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.kind, "kind", "live", "catalog kind: live, vod or series")
	fs.StringVar(&o.container, "container", "", "container extension when the URL has none")
	fs.StringVar(&o.relay, "relay", "", "relay endpoint; when set, streams are played as a browser would")
	fs.StringVar(&o.caps, "caps", "segmented,native-hls", "surface capabilities: segmented, native-hls, overlay")
	fs.DurationVar(&o.timeout, "timeout", play.CheckTimeout, "time allowed per stream")
	fs.StringVar(&o.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "warn"), "log level written to stderr")
	fs.StringVar(&o.host, "host", "", "panel host; arguments are then stream ids")
	fs.StringVar(&o.user, "user", "", "panel username")
	fs.StringVar(&o.pass, "pass", "", "panel password")
	fs.StringVar(&o.api, "api", "", "player_api.php action to call first and print; needs -host")
	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}
	if o.api != "" && o.host == "" {
		fs.Usage()
		return o, nil, errors.New("-api needs -host")
	}
	if fs.NArg() == 0 && o.api == "" {
		fs.Usage()
		return o, nil, errors.New("at least one stream is required")
	}
	return o, fs.Args(), nil
}

func parseCapabilities(s string) (playback.Capabilities, error) {
	var caps playback.Capabilities
	for _, c := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(c)) {
		case "":
		case "segmented":
			caps.SegmentedMediaSource = true
		case "native-hls":
			caps.NativeHLS = true
		case "overlay":
			caps.NativeOverlayPlayer = true
		default:
			return caps, fmt.Errorf("unknown capability %q", c)
		}
	}
	return caps, nil
}

func descriptors(o options, args []string) ([]playback.StreamDescriptor, error) {
	kind := playback.ParseKind(o.kind)
	out := make([]playback.StreamDescriptor, 0, len(args))
	for _, a := range args {
		if o.host != "" {
			creds := xtream.Credentials{Host: o.host, Username: o.user, Password: o.pass}
			d, err := xtream.Descriptor(creds, kind, a, o.container)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
			continue
		}
		target, err := relay.ParseTarget(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		out = append(out, playback.StreamDescriptor{RawURL: target.String(), Kind: kind, ContainerHint: o.container})
	}
	return out, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, args, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "playprobe:", err)
		return 2
	}
	caps, err := parseCapabilities(o.caps)
	if err != nil {
		fmt.Fprintln(stderr, "playprobe:", err)
		return 2
	}
	descs, err := descriptors(o, args)
	if err != nil {
		fmt.Fprintln(stderr, "playprobe:", err)
		return 2
	}

	log := logger.NewWithWriter(stderr, o.logLevel, "text")
	relayCfg := config.LoadRelay()
	playCfg := config.LoadPlayback()

	client := upstream.NewClient(relayCfg.HeaderTimeout)
	defer client.CloseIdleConnections()
	engine := probe.NewEngine(client, log, probe.Options{
		UserAgent:        relayCfg.UserAgent,
		MaxPlaylistBytes: relayCfg.ManifestMaxBytes,
	})

	if o.api != "" {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		err := callAPI(ctx, client, o, relayCfg.UserAgent, stdout)
		cancel()
		if err != nil {
			fmt.Fprintln(stderr, "playprobe:", err)
			return 1
		}
	}

	rt := check.NewRuntime(engine, nil)
	rt.Capabilities = caps
	if o.relay != "" {
		rt.Native = false
		rt.Relay = relay.Wrap(o.relay)
	}

	player := playback.NewPlayer(rt, playback.Options{
		RetryBudget:    playCfg.RetryBudget,
		StartupTimeout: playCfg.StartupTimeout,
		Logger:         log,
		Listener: func(tr playback.Transition) {
			log.Debug("playback transition",
				"session_id", tr.SessionID,
				"from", string(tr.From),
				"to", string(tr.To),
				"index", tr.Index)
		},
	})
	defer player.Stop()

	enc := json.NewEncoder(stdout)
	failed := 0
	for _, d := range descs {
		res, err := zap(player, d, o.timeout)
		if err != nil {
			fmt.Fprintln(stderr, "playprobe:", err)
			return 1
		}
		if res.State != string(playback.StatePlaying) {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			fmt.Fprintln(stderr, "playprobe:", err)
			return 1
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// callAPI runs one player_api.php action and copies the response body to
// stdout. With -relay set the call goes through the relay's control plane,
// the way a browser client makes it.
func callAPI(ctx context.Context, client *http.Client, o options, userAgent string, stdout io.Writer) error {
	creds := xtream.Credentials{Host: o.host, Username: o.user, Password: o.pass}
	target, err := xtream.APIURL(creds, o.api, nil)
	if err != nil {
		return err
	}

	var req *http.Request
	if o.relay != "" {
		body, err := json.Marshal(map[string]string{"url": target})
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, o.relay, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		// The request URL carries the credentials.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("api %s: %w", o.api, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("api %s: status %d", o.api, resp.StatusCode)
	}
	if _, err := io.Copy(stdout, resp.Body); err != nil {
		return fmt.Errorf("api %s: %w", o.api, err)
	}
	_, err = io.WriteString(stdout, "\n")
	return err
}

// zap switches the player to d and waits until its session plays, exhausts
// its candidates or runs out of time.
func zap(player *playback.Player, d playback.StreamDescriptor, timeout time.Duration) (check.Result, error) {
	sess, err := player.Switch(d)
	if err != nil {
		return check.Result{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		switch sess.State() {
		case playback.StatePlaying, playback.StateExhausted:
			break wait
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			break wait
		}
	}

	res := check.Summarize(sess.Snapshot())
	if res.State == string(playback.StateExhausted) {
		res.Message = playback.FailureFor(localeFromEnv()).Message
	}
	return res, nil
}

// localeFromEnv turns LC_ALL / LANG ("pt_BR.UTF-8") into a language tag.
func localeFromEnv() string {
	v := os.Getenv("LC_ALL")
	if v == "" {
		v = os.Getenv("LANG")
	}
	if i := strings.IndexAny(v, ".@"); i >= 0 {
		v = v[:i]
	}
	return strings.ReplaceAll(v, "_", "-")
}
