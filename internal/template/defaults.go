package template

import "github.com/foxzi/basket/internal/news"

// Built-in confirmation templates, used when configuration has no override
var defaults = map[string]*Template{
	Key(news.VariantMoz, news.DefaultLang): {
		Subject: "Please confirm your email subscription",
		Text: `Thanks for subscribing!

Please confirm your subscription to Mozilla newsletters by visiting:

{{.ConfirmURL}}

If you did not request this subscription, you can ignore this email.
`,
		HTML: `<!DOCTYPE html>
<html lang="{{.Lang}}">
<body>
<p>Thanks for subscribing!</p>
<p>Please confirm your subscription to Mozilla newsletters:</p>
<p><a href="{{.ConfirmURL}}">Confirm my subscription</a></p>
<p>If you did not request this subscription, you can ignore this email.</p>
</body>
</html>
`,
	},
	Key(news.VariantFx, news.DefaultLang): {
		Subject: "Confirm your Firefox newsletter subscription",
		Text: `Thanks for joining Firefox news!

Confirm your subscription by visiting:

{{.ConfirmURL}}

If you did not request this subscription, you can ignore this email.
`,
		HTML: `<!DOCTYPE html>
<html lang="{{.Lang}}">
<body>
<p>Thanks for joining Firefox news!</p>
<p><a href="{{.ConfirmURL}}">Confirm my subscription</a></p>
<p>If you did not request this subscription, you can ignore this email.</p>
</body>
</html>
`,
	},
}
