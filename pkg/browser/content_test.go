package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPageText(t *testing.T) {
	doc := `<html><head><title>Shop</title><style>body{color:red}</style></head>
<body>
  <script>trackEverything();</script>
  <h1>Results</h1>
  <p>Wireless   mouse,
     $24.99</p>
  <noscript>Enable JavaScript</noscript>
  <div>Add to cart</div>
</body></html>`

	text := ExtractPageText(doc, 8000)

	assert.Equal(t, "Results Wireless mouse, $24.99 Add to cart", text)
	assert.NotContains(t, text, "trackEverything")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "Enable JavaScript")
	assert.NotContains(t, text, "Shop")
}

func TestExtractPageTextTruncates(t *testing.T) {
	doc := "<body><p>" + strings.Repeat("word ", 100) + "</p></body>"

	text := ExtractPageText(doc, 20)

	assert.Len(t, text, 23)
	assert.True(t, strings.HasSuffix(text, "..."))
}

func TestExtractPageTextSkipsComments(t *testing.T) {
	text := ExtractPageText("<body><!-- hidden note --><p>visible</p></body>", 8000)
	assert.Equal(t, "visible", text)
}

func TestExtractPageTextEmptyDocument(t *testing.T) {
	assert.Equal(t, "", ExtractPageText("", 8000))
}
