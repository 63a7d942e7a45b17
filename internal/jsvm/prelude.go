package jsvm

import (
	"strconv"
	"strings"
)

// RemoteFunction is the native function id behind Host.remote. The channel
// router registers its handler under this id.
const RemoteFunction uint32 = 0x7fff0001

// preludeSource is evaluated in every VM before any program. It installs
// the Host object scripts use and the __vm* helpers the handle drives.
// __vm_native and __vm_settled are Go functions registered just before it
// runs; the prelude captures and hides them.
const preludeSource = `(function (g) {
	'use strict';
	var unwrap = function (raw) {
		return function (s) {
			var r = raw(s);
			return Array.isArray(r) ? r[0] : r;
		};
	};
	var nativeCall = unwrap(g.__vm_native);
	var settled = unwrap(g.__vm_settled);
	delete g.__vm_native;
	delete g.__vm_settled;

	class NativeRef {
		constructor(id) { this.id = id; Object.freeze(this); }
	}
	class HostError extends Error {
		constructor(name, message) { super(message); this.name = name || 'HostError'; }
	}

	var digits = '0123456789abcdef';
	function toHex(u8) {
		var parts = new Array(u8.length);
		for (var i = 0; i < u8.length; i++) parts[i] = digits[u8[i] >> 4] + digits[u8[i] & 15];
		return parts.join('');
	}
	function fromHex(s) {
		var out = new Uint8Array(s.length >> 1);
		for (var i = 0; i < out.length; i++) out[i] = parseInt(s.substr(i * 2, 2), 16);
		return out.buffer;
	}

	var promises = new Map();
	var promiseSeq = 0;
	var waiting = new Map();
	var callbacks = new Map();

	function enc(v) {
		switch (typeof v) {
		case 'undefined': case 'function': case 'symbol':
			return { $u: 1 };
		case 'boolean': case 'string':
			return v;
		case 'number':
			if (v !== v) return { $f: 'NaN' };
			if (v === Infinity) return { $f: 'Infinity' };
			if (v === -Infinity) return { $f: '-Infinity' };
			if (v === 0 && 1 / v < 0) return { $f: '-0' };
			return v;
		case 'bigint':
			return { $b: v.toString() };
		}
		if (v === null) return null;
		if (v instanceof NativeRef) return { $n: v.id };
		if (v instanceof ArrayBuffer) return { $x: toHex(new Uint8Array(v)) };
		if (ArrayBuffer.isView(v)) return { $x: toHex(new Uint8Array(v.buffer, v.byteOffset, v.byteLength)) };
		if (typeof v.then === 'function') {
			var id = ++promiseSeq;
			promises.set(id, v);
			return { $p: id };
		}
		if (Array.isArray(v)) return v.map(enc);
		var o = {};
		for (var k of Object.keys(v)) o[k] = enc(v[k]);
		return { $o: o };
	}

	function dec(v) {
		if (v === null || typeof v !== 'object') return v;
		if (Array.isArray(v)) return v.map(dec);
		if ('$u' in v) return undefined;
		if ('$f' in v) return v.$f === '-0' ? -0 : Number(v.$f);
		if ('$b' in v) return BigInt(v.$b);
		if ('$x' in v) return fromHex(v.$x);
		if ('$n' in v) return new NativeRef(v.$n);
		if ('$p' in v) return promises.get(v.$p);
		var o = {};
		for (var k of Object.keys(v.$o)) o[k] = dec(v.$o[k]);
		return o;
	}

	function fail(e) {
		if (e instanceof Error) return { t: { name: e.name, message: e.message } };
		return { t: { name: 'Error', message: String(e) } };
	}

	function lookup(name) {
		var self = g, fn = g;
		var parts = name.split('.');
		for (var i = 0; i < parts.length; i++) {
			if (fn === null || fn === undefined) return {};
			self = fn;
			fn = fn[parts[i]];
		}
		return { fn: fn, self: self };
	}

	function apply(fn, self, json) {
		try {
			return JSON.stringify({ v: enc(fn.apply(self, JSON.parse(json).map(dec))) });
		} catch (e) {
			return JSON.stringify(fail(e));
		}
	}

	var Host = {
		NativeRef: NativeRef,
		HostError: HostError,
		call: function (id) {
			var args = Array.prototype.slice.call(arguments, 1).map(enc);
			var r = JSON.parse(nativeCall(JSON.stringify({ i: id, a: args })));
			if ('e' in r) throw new HostError(r.e.name, r.e.message);
			if ('d' in r) {
				return new Promise(function (resolve, reject) {
					waiting.set(r.d, [resolve, reject]);
				});
			}
			return dec(r.v);
		},
		callback: function (index, fn) {
			if (typeof fn !== 'function') throw new TypeError('Host.callback expects a function');
			callbacks.set(index, fn);
		},
		remote: function (dest, bytes, opts) {
			opts = opts || {};
			var cb = opts.callback === undefined ? -1 : opts.callback;
			return Host.call(__REMOTE_ID__, String(dest), bytes, opts.objects || [], opts.attrs || {}, cb);
		},
	};
	Object.freeze(Host);
	Object.defineProperty(g, 'Host', { value: Host, enumerable: false });

	var hidden = function (name, fn) {
		Object.defineProperty(g, name, { value: fn, enumerable: false });
	};
	hidden('__vmHas', function (name) {
		return typeof lookup(name).fn === 'function';
	});
	hidden('__vmInvoke', function (name, json) {
		var l = lookup(name);
		if (typeof l.fn !== 'function') {
			return JSON.stringify({ t: { name: 'ReferenceError', message: name + ' is not a function' } });
		}
		return apply(l.fn, l.self, json);
	});
	hidden('__vmEval', function (src) {
		try {
			return JSON.stringify({ v: enc((0, eval)(src)) });
		} catch (e) {
			return JSON.stringify(fail(e));
		}
	});
	hidden('__vmGet', function (name) {
		return JSON.stringify({ v: enc(lookup(name).fn) });
	});
	hidden('__vmSet', function (name, json) {
		g[name] = dec(JSON.parse(json));
	});
	hidden('__vmPatch', function (name, hex) {
		new Uint8Array(g[name]).set(new Uint8Array(fromHex(hex)));
	});
	hidden('__vmResume', function (token, json, err) {
		var w = waiting.get(token);
		if (!w) return false;
		waiting.delete(token);
		var e = JSON.parse(err);
		if (e) w[1](new HostError(e.name, e.message));
		else w[0](dec(JSON.parse(json)));
		return true;
	});
	hidden('__vmWatch', function (id) {
		var p = promises.get(id);
		if (!p) return false;
		promises.delete(id);
		Promise.resolve(p).then(function (v) {
			settled(JSON.stringify({ w: id, v: enc(v) }));
		}, function (e) {
			settled(JSON.stringify({ w: id, t: fail(e).t }));
		});
		return true;
	});
	hidden('__vmDrop', function (id) {
		return promises.delete(id);
	});
	hidden('__vmCallback', function (index, json) {
		var fn = callbacks.get(index);
		if (!fn) return JSON.stringify({ t: { name: 'ReferenceError', message: 'no callback at index ' + index } });
		return apply(fn, undefined, json);
	});
})(globalThis);
`

var prelude = strings.ReplaceAll(preludeSource, "__REMOTE_ID__", strconv.FormatUint(uint64(RemoteFunction), 10))
