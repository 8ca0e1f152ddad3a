package apiserver

import "html/template"

// embedPage is the data handed to the viewer page. It carries only the
// opaque stream token; the real URL stays server-side.
type embedPage struct {
	StreamToken string
	PosterB64   string
	Subs        []subtitleTrack
}

type subtitleTrack struct {
	Label string
	Src   string
}

var embedTemplate = template.Must(template.New("embed").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="referrer" content="strict-origin-when-cross-origin">
<title>Player</title>
<style>
  html, body { margin: 0; height: 100%; background: #000; }
  video { width: 100%; height: 100%; object-fit: contain; }
</style>
</head>
<body>
<video id="player" controls playsinline controlsList="nodownload" preload="metadata">
  <source src="/stream?token={{.StreamToken}}" type="video/mp4">
{{- range .Subs}}
  <track kind="subtitles" label="{{.Label}}" src="{{.Src}}">
{{- end}}
</video>
<script>
(function () {
  var p = document.getElementById("player");
  var poster = "{{.PosterB64}}";
  if (poster) {
    try { p.poster = atob(poster); } catch (e) {}
  }
  p.addEventListener("contextmenu", function (e) { e.preventDefault(); });
})();
</script>
</body>
</html>
`))
