package sandbox

// pythonBootstrap implements the worker protocol for Python: one JSON
// request on stdin, one JSON response on stdout. Resource limits are
// self-imposed through rlimits before user code runs, randomness and the
// wall clock are pinned in deterministic mode, and socket access is
// rewritten to honor the network policy.
const pythonBootstrap = `
import json, sys, builtins

req = json.load(sys.stdin)
code = req.get("code") or ""
inp = req.get("input")
policy = req.get("policy") or {}

try:
    import resource
    mem = int(policy.get("memoryLimitBytes") or 0)
    if mem > 0:
        resource.setrlimit(resource.RLIMIT_AS, (mem, mem))
    cpu_ms = int(policy.get("cpuTimeLimitMs") or 0)
    if cpu_ms > 0:
        secs = max(1, (cpu_ms + 999) // 1000)
        resource.setrlimit(resource.RLIMIT_CPU, (secs, secs))
except Exception:
    pass

if policy.get("deterministic"):
    import random, time as _time
    random.seed(int(policy.get("seed") or 0))
    _fixed = (int(policy.get("fixedClockMs") or 0)) / 1000.0
    _time.time = lambda: _fixed

import socket as _socket
if not policy.get("networkEnabled"):
    def _blocked(*a, **k):
        raise OSError("network access is disabled")
    _socket.socket = _blocked
    _socket.create_connection = _blocked
else:
    _allow = set(policy.get("networkAllowlist") or [])
    _orig_create = _socket.create_connection
    def _gated(address, *a, **k):
        host = address[0] if isinstance(address, tuple) else address
        if host not in _allow:
            raise OSError("host %r is not on the network allowlist" % (host,))
        return _orig_create(address, *a, **k)
    _socket.create_connection = _gated

logs = []
def _print(*args, **kw):
    logs.append(" ".join(str(a) for a in args))
builtins.print = _print

resp = {}
try:
    scope = {}
    exec(compile(code, "function.py", "exec"), scope)
    handler = scope.get("handler")
    if not callable(handler):
        raise ValueError("code must define handler(input)")
    resp["output"] = handler(inp)
except MemoryError:
    resp["error"] = {"name": "MemoryError", "message": "memory limit exceeded"}
except BaseException as e:
    import traceback
    err = {"name": type(e).__name__, "message": str(e), "stack": traceback.format_exc()}
    partial = getattr(e, "partialResult", None)
    if partial is not None and bool(getattr(e, "retryable", False)):
        err["retryable"] = True
        resp["output"] = partial
    resp["error"] = err

resp["logs"] = logs
try:
    import resource as _res
    ru = _res.getrusage(_res.RUSAGE_SELF)
    resp["memoryUsedBytes"] = int(ru.ru_maxrss) * 1024
    resp["cpuTimeMs"] = int((ru.ru_utime + ru.ru_stime) * 1000)
except Exception:
    pass

try:
    body = json.dumps(resp)
except (TypeError, ValueError) as e:
    body = json.dumps({"error": {"name": "TypeError", "message": "output is not JSON-serializable: %s" % (e,)}, "logs": logs})
sys.stdout.write(body)
`
