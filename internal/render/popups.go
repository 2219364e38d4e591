package render

// Popup dismissal runs up to three passes before the screenshot:
//  1. click consent affordances ("accept", "agree", "OK", ...);
//  2. click close affordances ("close", "×", "no thanks", ...);
//  3. remove any fixed/absolute overlay with z-index > 100 covering more
//     than half the viewport, restoring body scroll.
// Each pass returns the number of elements it acted on.

const acceptPopupsJS = `(() => {
	const patterns = [
		'aceitar', 'aceito', 'accept', 'agree', 'concordo', 'entendi',
		'got it', 'ok', 'continuar', 'prosseguir', 'permitir', 'allow'
	];
	const attrPatterns = ['accept', 'agree', 'consent', 'cookie-accept', 'onetrust-accept'];
	let clicked = 0;
	const clickable = document.querySelectorAll('button, a, [role="button"], input[type="button"], input[type="submit"]');
	for (const el of clickable) {
		if (clicked >= 3) break;
		const text = (el.innerText || el.value || '').trim().toLowerCase();
		const id = (el.id || '').toLowerCase();
		const cls = (typeof el.className === 'string' ? el.className : '').toLowerCase();
		const matchText = patterns.some(p => text === p || (text.length < 40 && text.includes(p)));
		const matchAttr = attrPatterns.some(p => id.includes(p) || cls.includes(p));
		if (matchText || matchAttr) {
			try { el.click(); clicked++; } catch (e) {}
		}
	}
	return clicked;
})()`

const closePopupsJS = `(() => {
	const patterns = [
		'fechar', 'close', 'dispensar', 'dismiss', 'agora não', 'não, obrigado',
		'no thanks', 'not now', 'depois', '×', 'x'
	];
	const attrPatterns = ['close', 'dismiss', 'modal-close', 'popup-close'];
	let clicked = 0;
	const clickable = document.querySelectorAll('button, a, [role="button"], [aria-label]');
	for (const el of clickable) {
		if (clicked >= 3) break;
		const text = (el.innerText || '').trim().toLowerCase();
		const label = (el.getAttribute('aria-label') || '').toLowerCase();
		const id = (el.id || '').toLowerCase();
		const cls = (typeof el.className === 'string' ? el.className : '').toLowerCase();
		const matchText = patterns.some(p => text === p || label.includes(p));
		const matchAttr = attrPatterns.some(p => id.includes(p) || cls.includes(p));
		if (matchText || matchAttr) {
			try { el.click(); clicked++; } catch (e) {}
		}
	}
	return clicked;
})()`

const removeOverlaysJS = `(() => {
	let removed = 0;
	const vw = window.innerWidth, vh = window.innerHeight;
	for (const el of document.querySelectorAll('body *')) {
		if (el === document.body || el === document.documentElement) continue;
		const style = window.getComputedStyle(el);
		if (style.position !== 'fixed' && style.position !== 'absolute') continue;
		const z = parseInt(style.zIndex, 10);
		if (isNaN(z) || z <= 100) continue;
		const rect = el.getBoundingClientRect();
		if (rect.width * rect.height > vw * vh * 0.5) {
			el.remove();
			removed++;
		}
	}
	document.body.style.overflow = '';
	document.documentElement.style.overflow = '';
	for (const cls of ['modal-open', 'no-scroll', 'noscroll', 'overflow-hidden']) {
		document.body.classList.remove(cls);
		document.documentElement.classList.remove(cls);
	}
	return removed;
})()`
