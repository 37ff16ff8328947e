package sandbox

// runnerStub is the fixed trampoline materialized into every workspace as
// agent_runner.py. It is part of the system's contract, not the agent code
// blob: the host never interprets the blob directly, only this stub does,
// running inside the isolated process.
//
// SANDBOX_DIR defaults to "/sandbox" for parity with the container-based
// original, but Runtime.exec always sets the SANDBOX_DIR environment
// variable to the real per-job workspace directory, since this
// implementation runs the interpreter directly against a temp directory
// rather than bind-mounting it to a fixed path inside a container.
const runnerStub = `
import importlib.util
import json
import os
import sys
import traceback

SANDBOX_DIR = os.environ.get("SANDBOX_DIR", "/sandbox")


def _write_output(payload):
    with open(SANDBOX_DIR + "/output.json", "w") as f:
        json.dump(payload, f)


def main():
    try:
        with open(SANDBOX_DIR + "/input.json") as f:
            event_data = json.load(f)
    except Exception as e:
        _write_output({"status": "error", "error": "failed to read input.json: %s" % e})
        return

    spec = importlib.util.spec_from_file_location("agent", SANDBOX_DIR + "/agent.py")
    module = importlib.util.module_from_spec(spec)
    try:
        spec.loader.exec_module(module)
    except Exception as e:
        _write_output({
            "status": "error",
            "error": str(e),
            "traceback": traceback.format_exc(),
        })
        return

    if not hasattr(module, "agent_main"):
        _write_output({
            "status": "error",
            "error": "Agent must have an 'agent_main' function that accepts event_data and returns a prediction",
        })
        return

    try:
        result = module.agent_main(event_data)
        _write_output({"status": "success", "output": result})
    except Exception as e:
        _write_output({
            "status": "error",
            "error": str(e),
            "traceback": traceback.format_exc(),
        })


if __name__ == "__main__":
    main()
    sys.exit(0)
`
