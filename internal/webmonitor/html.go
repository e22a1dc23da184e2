package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>netcam</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #ddd; margin: 0; }
        .header { padding: 12px 20px; background: #222; display: flex; justify-content: space-between; }
        .grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(340px, 1fr)); gap: 12px; padding: 12px; }
        .panel { background: #1b1b1b; border-radius: 6px; padding: 10px; }
        .panel img { width: 100%; background: #000; }
        .badge { font-size: 12px; padding: 2px 6px; border-radius: 4px; background: #444; }
        .badge.rec { background: #a00; }
        .badge.problem { background: #a60; }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { padding: 4px 6px; border-bottom: 1px solid #333; text-align: left; }
        a { color: #8cf; }
    </style>
</head>
<body>
    <div class="header">
        <div>netcam</div>
        <span class="badge" id="status-badge">Waiting for data...</span>
    </div>
    <div class="grid" id="cameras"></div>
    <div class="panel" style="margin:12px">
        <h3>Recent clips</h3>
        <table>
            <thead><tr><th>Time</th><th>Camera</th><th>Frames</th><th>Quality</th><th>File</th></tr></thead>
            <tbody id="clips"></tbody>
        </table>
    </div>
<script>
const camerasEl = document.getElementById('cameras');
const clipsEl = document.getElementById('clips');
const badge = document.getElementById('status-badge');
const panels = {};

function panelFor(cam) {
    if (panels[cam.camera_index]) return panels[cam.camera_index];
    const div = document.createElement('div');
    div.className = 'panel';
    div.innerHTML = '<div><b></b> <span class="badge"></span></div>' +
        '<img src="/stream/' + cam.camera_index + '" alt="camera preview">' +
        '<div class="stats"></div>';
    camerasEl.appendChild(div);
    panels[cam.camera_index] = div;
    return div;
}

function renderStatus(cameras) {
    badge.textContent = cameras.length + ' camera(s)';
    for (const cam of cameras) {
        const div = panelFor(cam);
        div.querySelector('b').textContent = 'cam ' + cam.camera_index + ' ' + (cam.title || '');
        const state = div.querySelector('.badge');
        state.textContent = cam.connection_problem ? 'connection problem' : cam.recording_state;
        state.className = 'badge' + (cam.connection_problem ? ' problem' : '') +
            (cam.recording_state === 'recording' ? ' rec' : '');
        div.querySelector('.stats').textContent =
            cam.estimated_fps.toFixed(1) + ' fps, ' + cam.frames_decoded + ' frames, ' +
            cam.clips_recorded + ' clips, last quality ' + cam.last_quality.toFixed(1) + '%';
    }
}

function addClip(clip) {
    const tr = document.createElement('tr');
    const link = '<a href="/clips/' + clip.filename + '">' + clip.filename + '</a>';
    tr.innerHTML = '<td>' + new Date(clip.timestamp).toLocaleString() + '</td><td>' + clip.camera_index +
        '</td><td>' + clip.frame_count + '</td><td>' + clip.quality.toFixed(1) + '%</td><td>' + link + '</td>';
    clipsEl.prepend(tr);
}

function loadClips() {
    const d = new Date();
    const day = d.getFullYear() + String(d.getMonth() + 1).padStart(2, '0') + String(d.getDate()).padStart(2, '0');
    fetch('/api/clips?day=' + day).then(r => r.json()).then(clips => {
        clipsEl.innerHTML = '';
        (clips || []).slice().reverse().forEach(addClip);
    });
}

const events = new EventSource('/api/status/stream');
events.onmessage = (e) => {
    const ev = JSON.parse(e.data);
    if (ev.type === 'status') renderStatus(ev.cameras || []);
    if (ev.type === 'clip') addClip(ev.clip);
};
events.onerror = () => { badge.textContent = 'Disconnected'; };
loadClips();
</script>
</body>
</html>
`
