package pages

import (
	"html/template"
	"io"

	"noos/audio"
)

type PlayerPage struct {
	PackID string
	Name   string
	Author string
	Tracks []audio.Track
}

// player is a bare storefront page: it opens a session on the pack, plays
// the session's mp3 stream and follows its events.
var player = template.Must(template.New("player").Parse(`
<!DOCTYPE html>
<html>
<head>
    <title>{{.Name}} previews</title>
    <style>
        body {
            font-family: Arial, sans-serif;
            line-height: 1.6;
            max-width: 800px;
            margin: 0 auto;
            padding: 20px;
        }
        li.active {
            font-weight: bold;
        }
    </style>
</head>
<body>
    <h1>{{.Name}}</h1>
    <p>by {{.Author}}</p>
    <audio id="output" autoplay></audio>
    <p>
        <button data-op="previous">prev</button>
        <button data-op="stop">stop</button>
        <button data-op="next">next</button>
        <input id="volume" type="range" min="0" max="1" step="0.05" value="1">
    </p>
    <ul id="tracks">
    {{- range .Tracks}}
        <li data-url="{{.URL}}"><a href="#">{{.Title}}</a></li>
    {{- end}}
    </ul>
    <script>
        const packId = {{.PackID}};
        let base = "";
        async function call(method, path, body) {
            await fetch(base + path, {
                method,
                headers: {"Content-Type": "application/json"},
                body: body ? JSON.stringify(body) : undefined,
            });
        }
        async function start() {
            const res = await fetch("/sessions", {method: "POST", body: JSON.stringify({packId})});
            const session = await res.json();
            base = "/sessions/" + session.id;
            document.getElementById("output").src = session.streamUrl;
            const events = new EventSource(session.eventsUrl);
            events.addEventListener("state", (e) => {
                const state = JSON.parse(e.data);
                for (const li of document.querySelectorAll("#tracks li")) {
                    li.classList.toggle("active", state.status === "playing" && li.dataset.url === state.activeUrl);
                }
            });
        }
        document.querySelectorAll("#tracks li").forEach((li) => {
            li.addEventListener("click", () => call("POST", "/play", {url: li.dataset.url}));
        });
        document.querySelectorAll("button[data-op]").forEach((b) => {
            b.addEventListener("click", () => call("POST", "/" + b.dataset.op));
        });
        document.getElementById("volume").addEventListener("input", (e) => {
            call("PUT", "/volume", {volume: parseFloat(e.target.value)});
        });
        start();
    </script>
</body>
</html>`))

func RenderPlayer(w io.Writer, page PlayerPage) error {
	return player.Execute(w, page)
}
